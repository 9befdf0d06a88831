package tenant

import (
	"context"
	"fmt"
	"os"

	"operative/pkg/types"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout for preloaded tenant policies.
//
//	policies:
//	  - tenant_id: acme
//	    autonomy_level: semi
//	    confidence_threshold: 0.8
type SeedFile struct {
	Policies []types.TenantPolicy `yaml:"policies"`
}

// LoadSeedFile parses and validates a policy seed file.
func LoadSeedFile(path string) ([]types.TenantPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取策略种子文件失败: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed parses seed YAML. Missing autonomy level and threshold take the defaults.
func ParseSeed(raw []byte) ([]types.TenantPolicy, error) {
	var f SeedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("解析策略种子文件失败: %w", err)
	}
	for i := range f.Policies {
		p := &f.Policies[i]
		if p.AutonomyLevel == "" {
			p.AutonomyLevel = types.DefaultAutonomyLevel
		}
		if p.ConfidenceThreshold == 0 {
			p.ConfidenceThreshold = types.DefaultConfidenceThreshold
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("种子策略 #%d: %w", i, err)
		}
	}
	return f.Policies, nil
}

// Seed stores every policy through the service, overwriting existing rows.
func Seed(ctx context.Context, svc *PolicyService, policies []types.TenantPolicy) error {
	for _, p := range policies {
		if _, err := svc.Save(ctx, p); err != nil {
			return fmt.Errorf("写入种子策略 %s 失败: %w", p.TenantID, err)
		}
	}
	return nil
}
