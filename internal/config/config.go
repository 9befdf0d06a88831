package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Tenant   TenantConfig   `mapstructure:"tenant"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"`          // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`  // 秒
	WriteTimeout int    `mapstructure:"write_timeout"` // 秒

	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"` // 每租户每秒请求数，0 表示不限流
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	Path            string `mapstructure:"path"` // sqlite 文件路径
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置，Host 为空时不启用 Redis
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Enabled 是否配置了 Redis
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Addr host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// GatewayConfig 网关熔断、超时与安全规则
type GatewayConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	AnalyzeTimeout   time.Duration `mapstructure:"analyze_timeout"`
	ExecuteTimeout   time.Duration `mapstructure:"execute_timeout"`
	MaxContentLength int           `mapstructure:"max_content_length"`
	MaxRecipients    int           `mapstructure:"max_recipients"`
	BlockedKeywords  []string      `mapstructure:"blocked_keywords"`
}

// AuditConfig 审计存储配置
type AuditConfig struct {
	Store           string `mapstructure:"store"`            // memory, database
	MemoryRetention int    `mapstructure:"memory_retention"` // 内存模式下每个租户保留的记录数，0 表示不限
	JSONLPath       string `mapstructure:"jsonl_path"`       // 非空时额外输出 JSON Lines
}

// TenantConfig 租户策略配置
type TenantConfig struct {
	PolicyCacheTTL time.Duration `mapstructure:"policy_cache_ttl"`
	SeedFile       string        `mapstructure:"seed_file"`
}

// AuthConfig 鉴权配置，JWTSecret 为空时只接受 X-Tenant-ID 头
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// AnalysisConfig 分析器配置
type AnalysisConfig struct {
	Mode    string `mapstructure:"mode"` // passthrough, llm
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	Webhooks map[string]string `mapstructure:"webhooks"` // 动作类型 -> URL，"default" 为兜底
	Timeout  time.Duration     `mapstructure:"timeout"`
	Headers  map[string]string `mapstructure:"headers"`
}

// WorkerConfig 后台任务配置
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

var globalConfig *Config

// Default 返回可直接运行的默认配置（sqlite + 内存组件）
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Mode: "release", ReadTimeout: 30, WriteTimeout: 90, RateLimitRPS: 20, RateLimitBurst: 40},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "operative.db",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 3600,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{Port: 6379, PoolSize: 10},
		Log:   LogConfig{Level: "info", Format: "json", OutputPath: "stdout"},
		Gateway: GatewayConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			AnalyzeTimeout:   30 * time.Second,
			ExecuteTimeout:   60 * time.Second,
			MaxContentLength: 10000,
			MaxRecipients:    1000,
		},
		Audit:    AuditConfig{Store: "database", MemoryRetention: 10000},
		Tenant:   TenantConfig{PolicyCacheTTL: 5 * time.Minute},
		Analysis: AnalysisConfig{Mode: "passthrough"},
		Executor: ExecutorConfig{Timeout: 30 * time.Second},
		Worker:   WorkerConfig{Enabled: true, Concurrency: 10},
	}
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）；文件不存在时只使用默认值与环境变量
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}
	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件：APP_DATABASE_HOST
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// setDefaults 注册默认值，使 AutomaticEnv 能覆盖未出现在文件中的键
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.rate_limit_rps", d.Server.RateLimitRPS)
	v.SetDefault("server.rate_limit_burst", d.Server.RateLimitBurst)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)

	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output_path", d.Log.OutputPath)

	v.SetDefault("gateway.failure_threshold", d.Gateway.FailureThreshold)
	v.SetDefault("gateway.reset_timeout", d.Gateway.ResetTimeout)
	v.SetDefault("gateway.analyze_timeout", d.Gateway.AnalyzeTimeout)
	v.SetDefault("gateway.execute_timeout", d.Gateway.ExecuteTimeout)
	v.SetDefault("gateway.max_content_length", d.Gateway.MaxContentLength)
	v.SetDefault("gateway.max_recipients", d.Gateway.MaxRecipients)

	v.SetDefault("audit.store", d.Audit.Store)
	v.SetDefault("audit.memory_retention", d.Audit.MemoryRetention)
	v.SetDefault("audit.jsonl_path", d.Audit.JSONLPath)

	v.SetDefault("tenant.policy_cache_ttl", d.Tenant.PolicyCacheTTL)
	v.SetDefault("tenant.seed_file", d.Tenant.SeedFile)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)

	v.SetDefault("analysis.mode", d.Analysis.Mode)
	v.SetDefault("analysis.model", d.Analysis.Model)
	v.SetDefault("analysis.base_url", d.Analysis.BaseURL)
	v.SetDefault("analysis.api_key", d.Analysis.APIKey)

	v.SetDefault("executor.timeout", d.Executor.Timeout)

	v.SetDefault("worker.enabled", d.Worker.Enabled)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}
	switch c.Audit.Store {
	case "memory", "database":
	default:
		return fmt.Errorf("不支持的审计存储: %q", c.Audit.Store)
	}
	switch c.Analysis.Mode {
	case "passthrough", "llm":
	default:
		return fmt.Errorf("不支持的分析模式: %q", c.Analysis.Mode)
	}
	if c.Analysis.Mode == "llm" && c.Analysis.APIKey == "" {
		return fmt.Errorf("llm 分析模式需要 analysis.api_key")
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取 postgres 连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
