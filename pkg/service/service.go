package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridgerunner/pkg/adapters/oneclick"
	"github.com/speedrun-hq/bridgerunner/pkg/adapters/relay"
	"github.com/speedrun-hq/bridgerunner/pkg/adapters/simulated"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/api"
	"github.com/speedrun-hq/bridgerunner/pkg/blockchain"
	"github.com/speedrun-hq/bridgerunner/pkg/bridge"
	"github.com/speedrun-hq/bridgerunner/pkg/circuitbreaker"
	"github.com/speedrun-hq/bridgerunner/pkg/config"
	"github.com/speedrun-hq/bridgerunner/pkg/events"
	"github.com/speedrun-hq/bridgerunner/pkg/executor"
	"github.com/speedrun-hq/bridgerunner/pkg/health"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/speedrun-hq/bridgerunner/pkg/metrics"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
	"github.com/speedrun-hq/bridgerunner/pkg/orchestrator"
	"github.com/speedrun-hq/bridgerunner/pkg/poller"
	"github.com/speedrun-hq/bridgerunner/pkg/quote"
	"github.com/speedrun-hq/bridgerunner/pkg/registry"
)

const shutdownTimeout = 10 * time.Second

// ErrNoSigner is returned when transfers are requested without a private key
var ErrNoSigner = errors.New("no private key configured")

// Service wires the transfer pipeline together
type Service struct {
	config   *config.Config
	logger   logger.Logger
	breakers *circuitbreaker.Set
	pool     *blockchain.Pool
	registry *registry.Registry
	bus      *events.Bus
	orch     *orchestrator.Orchestrator
	signer   bridge.Signer
	limiter  *redis.Client
}

// previewSigner only knows the depositor address; it lets quotes be priced without a key
type previewSigner string

func (p previewSigner) Address(amount.ChainID) string { return string(p) }

func (p previewSigner) SignAndSend(context.Context, models.TxRequest) (string, error) {
	return "", bridge.Wrap(bridge.ErrSignerRejected, "%v", ErrNoSigner)
}

// NewService connects to the configured chains, opens the transfer store and
// builds every component. Nothing runs until Start.
func NewService(ctx context.Context, cfg *config.Config, l logger.Logger) (*Service, error) {
	breakers := circuitbreaker.NewSet(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.Threshold,
		cfg.CircuitBreaker.WindowDuration,
		cfg.CircuitBreaker.ResetTimeout,
		metrics.SetCircuit,
	)

	pool := blockchain.DialAll(ctx, cfg.Chains, l)
	if len(pool.ChainIDs()) == 0 {
		return nil, fmt.Errorf("no chain of network %s could be reached", cfg.Network)
	}

	var adapters []bridge.Adapter
	if cfg.Relay.Enabled {
		adapters = append(adapters, relay.New(relay.Options{BaseURL: cfg.Relay.BaseURL, APIKey: cfg.Relay.APIKey}, pool, l))
	}
	if cfg.OneClick.Enabled {
		sdk := oneclick.NewSDKClient(cfg.OneClick.BaseURL, cfg.OneClick.JWT)
		adapters = append(adapters, oneclick.New(sdk, pool, oneclick.Options{TokenCacheTTL: cfg.OneClick.TokenCacheTTL}, l))
	}
	if cfg.AllowDegraded() {
		l.Notice("Demo environment: simulated quotes are offered when no bridge can price a route")
		adapters = append(adapters, simulated.New())
	}
	if len(adapters) == 0 {
		pool.Close()
		return nil, errors.New("no bridge adapter enabled")
	}

	quotes := quote.NewService(quote.Config{
		TTL:            cfg.Quote.TTL,
		InitialBackoff: cfg.Quote.InitialBackoff,
		MaxBackoff:     cfg.Quote.MaxBackoff,
		MaxRetries:     cfg.Quote.MaxRetries,
		AllowDegraded:  cfg.AllowDegraded(),
	}, breakers, l, adapters...)

	var signer bridge.Signer = previewSigner(cfg.DepositorAddress)
	if cfg.PrivateKey != "" {
		keyed, err := blockchain.NewKeyedSigner(cfg.PrivateKey, pool, blockchain.NewNonceManager(l), l)
		if err != nil {
			pool.Close()
			return nil, err
		}
		signer = keyed
	}

	store, err := registry.OpenStore(ctx, cfg.Store, l)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open transfer store: %w", err)
	}
	reg := registry.New(store, l)
	n, err := reg.Load(ctx)
	if err != nil {
		_ = reg.Close()
		pool.Close()
		return nil, err
	}
	l.Info("Loaded %d transfer(s) from %s store", n, cfg.Store.Driver)

	bus := events.NewBus(events.NewPublisher(cfg.Events.RabbitMQURL, cfg.Events.Exchange, l), cfg.Events.Exchange, l)
	engine := executor.New(reg, quotes, pool, bus, l)
	tracker := poller.New(reg, quotes, bus, poller.Config{
		InitialInterval: cfg.Poll.InitialInterval,
		Multiplier:      cfg.Poll.Multiplier,
		MaxInterval:     cfg.Poll.MaxInterval,
		LegTimeout:      cfg.Poll.LegTimeout,
	}, l)

	hubs := orchestrator.HubTokens(cfg.HubAssets, pool.ChainIDs())
	orch := orchestrator.New(orchestrator.Config{
		MaxLegs:   cfg.MaxLegs,
		Workers:   cfg.WorkerCount,
		QueueSize: cfg.QueueSize,
		Hubs:      hubs,
	}, reg, quotes, engine, tracker, bus, signer, l)
	l.Info("Routing through %d hub asset(s) with %d adapter(s)", len(hubs), len(adapters))

	return &Service{
		config:   cfg,
		logger:   l,
		breakers: breakers,
		pool:     pool,
		registry: reg,
		bus:      bus,
		orch:     orch,
		signer:   signer,
	}, nil
}

// Orchestrator exposes the transfer pipeline for one-shot commands
func (s *Service) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

// Depositor returns the address transfers are funded from on a chain
func (s *Service) Depositor(chainID amount.ChainID) string {
	return s.signer.Address(chainID)
}

// CanSign reports whether a private key is configured
func (s *Service) CanSign() bool {
	_, preview := s.signer.(previewSigner)
	return !preview
}

func (s *Service) rateLimiter() api.Limiter {
	if s.config.Store.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(s.config.Store.RedisURL)
	if err != nil {
		s.logger.Error("Rate limiting disabled, invalid REDIS_URL: %v", err)
		return nil
	}
	s.limiter = redis.NewClient(opts)
	return api.NewRedisLimiter(s.limiter, "bridgerunner:rate_limit")
}

func (s *Service) healthChecks() map[string]health.Checker {
	checks := make(map[string]health.Checker)
	for _, id := range s.pool.ChainIDs() {
		if c, err := s.pool.Client(id); err == nil {
			checks[fmt.Sprintf("chain_%d", id)] = c
		}
	}
	if s.limiter != nil {
		checks["redis"] = health.CheckerFunc(func(ctx context.Context) error {
			return s.limiter.Ping(ctx).Err()
		})
	}
	return checks
}

// Start runs the workers, resumes unfinished transfers, schedules reconciliation and
// serves the API and health endpoints until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	if !s.CanSign() {
		return ErrNoSigner
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var reconciler *orchestrator.Reconciler
	if s.config.ReconcileSchedule != "" {
		var err error
		if reconciler, err = orchestrator.NewReconciler(ctx, s.orch, s.config.ReconcileSchedule); err != nil {
			return err
		}
	}

	s.orch.Start(ctx)
	resumed, err := s.orch.ResumeAll(ctx)
	if err != nil {
		s.logger.Error("Failed to resume transfers: %v", err)
	} else if resumed > 0 {
		s.logger.Notice("Resumed %d unfinished transfer(s)", resumed)
	}
	if reconciler != nil {
		reconciler.Start()
		s.logger.Info("Reconciliation scheduled with %q", s.config.ReconcileSchedule)
	}

	apiServer := api.NewServer(api.Config{
		Port:               s.config.API.Port,
		JWTSecret:          s.config.API.JWTSecret,
		CORSOrigins:        s.config.API.CORSOrigins,
		RequestTimeout:     s.config.API.RequestTimeout,
		RateLimitPerMinute: s.config.API.RateLimitPerMinute,
	}, s.orch, s.bus, s.signer, s.rateLimiter(), s.logger)
	if s.config.API.JWTSecret == "" {
		s.logger.Notice("API_JWT_SECRET is not set, the transfer API is unauthenticated")
	}

	healthServer := health.NewServer(s.config.MetricsPort, s.config.MetricsAPIKey, s.healthChecks(), s.breakers, s.registry, s.logger)

	errCh := make(chan error, 2)
	go func() { errCh <- healthServer.Start() }()
	go func() { errCh <- apiServer.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Context cancelled, shutting down service")
	case runErr = <-errCh:
		if runErr != nil {
			s.logger.Error("Server stopped: %v", runErr)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("API server shutdown: %v", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Health server shutdown: %v", err)
	}
	if reconciler != nil {
		<-reconciler.Stop().Done()
	}
	s.orch.Wait()
	return runErr
}

// Close releases connections and flushes the store
func (s *Service) Close() {
	s.bus.Close()
	if s.limiter != nil {
		_ = s.limiter.Close()
	}
	if err := s.registry.Close(); err != nil {
		s.logger.Error("Failed to close transfer store: %v", err)
	}
	s.pool.Close()
}
