package api

import (
	"context"
	"errors"
	"fmt"

	operativeHandlers "operative/api/handlers/operative"
	"operative/internal/analysis"
	"operative/internal/approval"
	"operative/internal/audit"
	"operative/internal/auth"
	"operative/internal/circuit"
	"operative/internal/config"
	"operative/internal/executor"
	"operative/internal/infra"
	"operative/internal/infra/queue"
	"operative/internal/middleware"
	"operative/internal/operative"
	"operative/internal/quota"
	"operative/internal/safety"
	"operative/internal/tenant"
	"operative/internal/worker"
	"operative/internal/worker/handlers"
	"operative/pkg/types"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppContainer 应用依赖容器
type AppContainer struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  redis.UniversalClient // 未配置 Redis 时为 nil
	Logger *zap.Logger

	Tokens      *auth.TokenService // 为 nil 时使用请求头鉴权
	RateLimiter *middleware.RateLimiter

	Breaker   *circuit.Breaker
	Filter    *safety.Filter
	Trail     *audit.Trail
	Policies  *tenant.PolicyService
	Quota     quota.Counter
	Approvals *approval.Manager
	Gateway   *operative.Gateway

	ApprovedHandler *handlers.ApprovedActionHandler
	QueueClient     queue.Client            // Redis 模式
	LocalDispatcher *worker.LocalDispatcher // 进程内模式
	WorkerServer    *worker.Server          // 仅 Redis 模式且启用 worker 时非 nil

	auditSink *audit.JSONLSink
}

// Handlers 所有 HTTP 处理器
type Handlers struct {
	Operative *operativeHandlers.Handler
}

// InitContainer 初始化应用容器
func InitContainer(ctx context.Context, db *gorm.DB, rdb redis.UniversalClient, cfg *config.Config, log *zap.Logger) (*AppContainer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &AppContainer{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		Logger: log,
	}

	c.initAuth(cfg)
	c.initSafety(cfg)

	if err := c.initAudit(cfg); err != nil {
		return nil, err
	}
	c.initTenant(cfg)
	c.initQuota()
	c.initApprovals(cfg)

	if err := c.migrate(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.seedPolicies(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initGateway(cfg); err != nil {
		c.Close()
		return nil, err
	}
	c.initWorker(cfg)

	return c, nil
}

// InitHandlers 初始化所有 Handlers
func (c *AppContainer) InitHandlers() *Handlers {
	return &Handlers{
		Operative: operativeHandlers.NewHandler(c.Gateway, c.Approvals, c.Policies, c.Logger.Named("api")),
	}
}

func (c *AppContainer) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		c.Logger.Warn("未配置 auth.jwt_secret，使用 X-Tenant-ID 请求头鉴权，仅限内网部署")
	} else {
		c.Tokens = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0)
	}

	if cfg.Server.RateLimitRPS > 0 {
		rl := middleware.DefaultRateLimiterConfig()
		rl.RequestsPerSecond = cfg.Server.RateLimitRPS
		if cfg.Server.RateLimitBurst > 0 {
			rl.BurstSize = cfg.Server.RateLimitBurst
		}
		c.RateLimiter = middleware.NewRateLimiter(rl)
	}
}

func (c *AppContainer) initSafety(cfg *config.Config) {
	c.Breaker = circuit.New(circuit.Config{
		FailureThreshold: cfg.Gateway.FailureThreshold,
		ResetTimeout:     cfg.Gateway.ResetTimeout,
	}, circuit.WithLogger(c.Logger.Named("circuit")))

	c.Filter = safety.New(safety.Config{
		BlockedKeywords:  cfg.Gateway.BlockedKeywords,
		MaxContentLength: cfg.Gateway.MaxContentLength,
		MaxRecipients:    cfg.Gateway.MaxRecipients,
	})
}

func (c *AppContainer) initAudit(cfg *config.Config) error {
	var store audit.Store
	switch cfg.Audit.Store {
	case "database":
		store = audit.NewGormStore(c.DB)
	default:
		store = audit.NewMemoryStore(cfg.Audit.MemoryRetention)
		c.Logger.Warn("审计记录仅保存在内存中，进程重启后丢失")
	}

	opts := []audit.Option{audit.WithLogger(c.Logger.Named("audit"))}
	if cfg.Audit.JSONLPath != "" {
		sink, err := audit.OpenJSONLFile(cfg.Audit.JSONLPath)
		if err != nil {
			return err
		}
		c.auditSink = sink
		opts = append(opts, audit.WithSinks(sink))
	}
	c.Trail = audit.NewTrail(store, opts...)
	return nil
}

func (c *AppContainer) initTenant(cfg *config.Config) {
	var cache tenant.PolicyCache
	if c.Redis != nil {
		cache = tenant.NewRedisPolicyCache(c.Redis, cfg.Tenant.PolicyCacheTTL, func(op string, err error) {
			c.Logger.Warn("租户策略缓存操作失败", zap.String("op", op), zap.Error(err))
		})
	} else {
		cache = tenant.NewInMemoryPolicyCache(cfg.Tenant.PolicyCacheTTL)
	}

	c.Policies = tenant.NewPolicyService(tenant.NewGormRepository(c.DB),
		tenant.WithCache(cache),
		tenant.WithRuleValidator(safety.ValidateRule),
		tenant.WithLogger(c.Logger.Named("tenant")),
	)
}

func (c *AppContainer) initQuota() {
	if c.Redis != nil {
		c.Quota = quota.NewRedisCounter(c.Redis, nil)
		return
	}
	c.Quota = quota.NewMemoryCounter(nil)
}

func (c *AppContainer) initApprovals(cfg *config.Config) {
	var dispatcher approval.Dispatcher
	if cfg.Redis.Enabled() {
		c.QueueClient = queue.NewClient(cfg.Redis)
		dispatcher = c.QueueClient
	} else {
		c.LocalDispatcher = worker.NewLocalDispatcher(c.Logger.Named("worker"))
		dispatcher = c.LocalDispatcher
	}

	c.Approvals = approval.NewManager(c.DB,
		approval.WithDispatcher(dispatcher),
		approval.WithManagerLogger(c.Logger.Named("approval")),
	)
}

// migrate 按配置执行自动迁移
func (c *AppContainer) migrate() error {
	if !c.Config.Database.AutoMigrate {
		return nil
	}
	migrators := []infra.Migrator{
		tenant.NewGormRepository(c.DB),
		c.Approvals,
	}
	if c.Config.Audit.Store == "database" {
		migrators = append(migrators, audit.NewGormStore(c.DB))
	}
	return infra.AutoMigrate(c.Logger, migrators...)
}

func (c *AppContainer) seedPolicies(ctx context.Context, cfg *config.Config) error {
	if cfg.Tenant.SeedFile == "" {
		return nil
	}
	policies, err := tenant.LoadSeedFile(cfg.Tenant.SeedFile)
	if err != nil {
		return err
	}
	if err := tenant.Seed(ctx, c.Policies, policies); err != nil {
		return err
	}
	c.Logger.Info("租户策略种子已加载", zap.Int("count", len(policies)), zap.String("file", cfg.Tenant.SeedFile))
	return nil
}

func (c *AppContainer) initGateway(cfg *config.Config) error {
	analyzer, err := newAnalyzer(cfg.Analysis)
	if err != nil {
		return err
	}
	exec, err := newExecutor(cfg.Executor)
	if err != nil {
		return err
	}

	c.Gateway, err = operative.New(analyzer, exec, c.Policies,
		operative.WithBreaker(c.Breaker),
		operative.WithSafetyFilter(c.Filter),
		operative.WithAuditTrail(c.Trail),
		operative.WithApprovalQueue(c.Approvals),
		operative.WithQuota(c.Quota),
		operative.WithConfig(operative.Config{
			AnalyzeTimeout: cfg.Gateway.AnalyzeTimeout,
			ExecuteTimeout: cfg.Gateway.ExecuteTimeout,
		}),
		operative.WithLogger(c.Logger.Named("gateway")),
	)
	return err
}

func (c *AppContainer) initWorker(cfg *config.Config) {
	c.ApprovedHandler = handlers.NewApprovedActionHandler(c.Approvals, c.Gateway, c.Logger.Named("worker"))
	if c.LocalDispatcher != nil {
		c.LocalDispatcher.Bind(c.ApprovedHandler)
		return
	}
	if cfg.Worker.Enabled {
		c.WorkerServer = worker.NewServer(queue.RedisOpt(cfg.Redis), cfg.Worker.Concurrency, c.ApprovedHandler, c.Logger.Named("worker"))
	}
}

// Close 释放容器持有的资源，不关闭 DB 与 Redis
func (c *AppContainer) Close() error {
	var errs []error
	if c.WorkerServer != nil {
		c.WorkerServer.Shutdown()
	}
	if c.LocalDispatcher != nil {
		errs = append(errs, c.LocalDispatcher.Close())
	}
	if c.QueueClient != nil {
		errs = append(errs, c.QueueClient.Close())
	}
	if c.auditSink != nil {
		errs = append(errs, c.auditSink.Close())
	}
	return errors.Join(errs...)
}

func newAnalyzer(cfg config.AnalysisConfig) (operative.Analyzer, error) {
	if cfg.Mode == "llm" {
		return analysis.NewLLMAnalyzer(analysis.LLMConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	}
	return analysis.NewPassthroughAnalyzer(), nil
}

// newExecutor 按动作类型路由到 webhook；"default" 为兜底，analyze_only 未配置时只回显
func newExecutor(cfg config.ExecutorConfig) (*executor.Router, error) {
	var fallback executor.Executor
	if url, ok := cfg.Webhooks["default"]; ok && url != "" {
		fallback = executor.NewWebhookExecutor(url, cfg.Timeout, cfg.Headers)
	}
	router := executor.NewRouter(fallback)
	router.Handle(types.ActionAnalyzeOnly, executor.AnalyzeOnly())

	for key, url := range cfg.Webhooks {
		if key == "default" {
			continue
		}
		actionType, err := types.ParseActionType(key)
		if err != nil {
			return nil, fmt.Errorf("executor.webhooks: %w", err)
		}
		router.Handle(actionType, executor.NewWebhookExecutor(url, cfg.Timeout, cfg.Headers))
	}
	return router, nil
}
