// Package service assembles the fusion engine: stores, vault, adapter
// registry, sync orchestrator, ingest pipeline, correlation engine and
// action dispatcher, with the lifecycle the pieces expect. Startup is
// fail-fast on the stores; after that workers are supervised and restart
// with backoff rather than taking the process down.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/fusion/pkg/action"
	"github.com/Mindburn-Labs/fusion/pkg/adapter"
	"github.com/Mindburn-Labs/fusion/pkg/archive"
	"github.com/Mindburn-Labs/fusion/pkg/buffer"
	"github.com/Mindburn-Labs/fusion/pkg/config"
	"github.com/Mindburn-Labs/fusion/pkg/correlate"
	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/observability"
	"github.com/Mindburn-Labs/fusion/pkg/posture"
	"github.com/Mindburn-Labs/fusion/pkg/registry"
	"github.com/Mindburn-Labs/fusion/pkg/sidestore"
	"github.com/Mindburn-Labs/fusion/pkg/store"
	"github.com/Mindburn-Labs/fusion/pkg/syncer"
	"github.com/Mindburn-Labs/fusion/pkg/vault"
)

const adapterAPIVersion = "1.0.0"

// Service owns the assembled components and their lifecycle.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	store        store.Store
	kv           sidestore.KV
	bus          *adapter.Bus
	registry     *registry.Registry
	orchestrator *syncer.Orchestrator
	ingestor     *syncer.Ingestor
	engine       *correlate.Engine
	dispatcher   *action.Dispatcher
	aggregator   *posture.Aggregator
	obs          *observability.Provider
	wasm         *action.WASMRunner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the service. A store or side-store connection failure is fatal
// and returned to the caller; everything downstream degrades instead.
func New(ctx context.Context, cfg *config.Config, obs *observability.Provider) (*Service, error) {
	st, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("persistent store: %w", err)
	}
	kv, err := openSideStore(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("side store: %w", err)
	}

	v, err := vault.New([]byte(cfg.MasterSecret))
	if err != nil {
		_ = st.Close()
		_ = kv.Close()
		return nil, fmt.Errorf("credential vault: %w", err)
	}

	arch, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		_ = st.Close()
		_ = kv.Close()
		return nil, fmt.Errorf("payload archive: %w", err)
	}

	adapters := adapter.NewRegistry()
	if err := registerAdapters(adapters); err != nil {
		_ = st.Close()
		_ = kv.Close()
		return nil, fmt.Errorf("adapter factories: %w", err)
	}

	bus := adapter.NewBus(256)
	reg := registry.New(st, v, adapters, bus)

	orch := syncer.New(reg, st, kv, syncer.Config{
		Workers:      cfg.MaxConcurrentSyncs,
		DrainTimeout: cfg.DrainTimeout,
	})
	reg.SetScheduleCanceller(orch.CancelSchedule)

	ing := syncer.NewIngestor(st, arch, bus)
	ing.OnFlush(func(ctx context.Context, n int) {
		obs.RecordIngested(ctx, n)
	})

	engineCfg := model.EngineConfig{
		CorrelationWindowMinutes: cfg.CorrelationWindowMinutes,
		DeduplicationEnabled:     true,
	}
	// Cached windows live for the lookback, so a window stays readable until
	// the engine can no longer ask for it.
	buf := buffer.New(st, kv, engineCfg.Lookback())

	wasm, runner := playbookRunner(ctx, cfg)
	dispatcher := action.New(st, reg, nil, runner)

	engine := correlate.NewEngine(buf,
		meteredDispatcher{inner: dispatcher, obs: obs},
		engineCfg,
		time.Duration(cfg.CorrelationIntervalMs)*time.Millisecond)

	if cfg.RulesPath != "" {
		rules, err := correlate.LoadRules(cfg.RulesPath)
		if err != nil {
			_ = st.Close()
			_ = kv.Close()
			return nil, fmt.Errorf("correlation rules: %w", err)
		}
		engine.SetRules(rules)
	}

	return &Service{
		cfg:          cfg,
		logger:       slog.Default().With("component", "service"),
		store:        st,
		kv:           kv,
		bus:          bus,
		registry:     reg,
		orchestrator: orch,
		ingestor:     ing,
		engine:       engine,
		dispatcher:   dispatcher,
		aggregator:   posture.New(st, kv, 0),
		obs:          obs,
		wasm:         wasm,
	}, nil
}

// Start launches the sync pool and the supervised workers.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.orchestrator.Start(runCtx)
	s.supervise(runCtx, "ingest", s.ingestor.Run)
	s.supervise(runCtx, "correlate", s.engine.Run)
	s.logger.InfoContext(ctx, "service started",
		"workers", s.cfg.MaxConcurrentSyncs,
		"window_minutes", s.cfg.CorrelationWindowMinutes)
}

// supervise runs a worker and restarts it after a panic with exponential
// backoff. A clean return means the context ended and the worker is done.
func (s *Service) supervise(ctx context.Context, name string, run func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := time.Second
		for {
			if done := s.runGuarded(ctx, name, run); done {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < time.Minute {
				backoff *= 2
			}
		}
	}()
}

func (s *Service) runGuarded(ctx context.Context, name string, run func(context.Context)) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "worker crashed, restarting",
				"worker", name, "panic", r)
			done = false
		}
	}()
	run(ctx)
	return true
}

// Stop shuts down in dependency order: stop intake, drain the sync pool,
// close adapters, then release the stores.
func (s *Service) Stop(ctx context.Context) {
	s.orchestrator.Stop()
	s.bus.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.registry.Close(ctx)
	if s.wasm != nil {
		_ = s.wasm.Close(ctx)
	}
	if err := s.kv.Close(); err != nil {
		s.logger.WarnContext(ctx, "side store close failed", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.WarnContext(ctx, "store close failed", "error", err)
	}
	s.logger.InfoContext(ctx, "service stopped")
}

// Registry exposes integration CRUD to the transport layer.
func (s *Service) Registry() *registry.Registry { return s.registry }

// RequestSync forwards an explicit sync request to the pool.
func (s *Service) RequestSync(integrationID string, filter model.SyncFilter) error {
	return s.orchestrator.RequestSync(integrationID, filter)
}

// Correlate runs one on-demand correlation pass.
func (s *Service) Correlate(ctx context.Context) ([]*model.UnifiedThreat, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "correlate.on_demand")
	threats, err := s.engine.Correlate(ctx)
	finish(err)
	return threats, err
}

// Dashboard produces the posture snapshot.
func (s *Service) Dashboard(ctx context.Context) (*posture.Dashboard, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "posture.snapshot")
	dash, err := s.aggregator.Snapshot(ctx)
	finish(err)
	return dash, err
}

// SetRules replaces the live correlation rule set.
func (s *Service) SetRules(rules []model.CorrelationRule) {
	s.engine.SetRules(rules)
}

// meteredDispatcher counts emitted threats before delegating.
type meteredDispatcher struct {
	inner correlate.Dispatcher
	obs   *observability.Provider
}

func (m meteredDispatcher) Dispatch(ctx context.Context, rule *model.CorrelationRule, threat *model.UnifiedThreat) {
	m.obs.RecordThreats(ctx, 1, attribute.String("rule_id", rule.ID))
	m.inner.Dispatch(ctx, rule, threat)
}

func openStore(ctx context.Context, url string) (store.Store, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return store.OpenPostgres(ctx, url)
	}
	return store.OpenSQLite(ctx, url)
}

func openSideStore(ctx context.Context, cfg *config.Config) (sidestore.KV, error) {
	if cfg.RedisAddr == "" {
		return sidestore.NewMemory(), nil
	}
	return sidestore.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
}

// playbookRunner builds the execute-playbook backend: local WASI modules
// when a directory is configured, a remote orchestration endpoint as the
// fallback, nil when neither is set.
func playbookRunner(ctx context.Context, cfg *config.Config) (*action.WASMRunner, action.PlaybookRunner) {
	var local *action.WASMRunner
	var remote *action.RemoteRunner
	if cfg.PlaybookDir != "" {
		local = action.NewWASMRunner(ctx, cfg.PlaybookDir, 0)
	}
	if cfg.PlaybookEndpoint != "" {
		remote = action.NewRemoteRunner(cfg.PlaybookEndpoint, 0)
	}
	if local == nil && remote == nil {
		return nil, nil
	}
	return local, action.FallbackRunner{Local: local, Remote: remote}
}

// registerAdapters binds every whitelisted platform to its tool-type
// factory.
func registerAdapters(r *adapter.Registry) error {
	factories := map[model.ToolType]adapter.Factory{
		model.ToolSIEM:      adapter.NewSIEMAdapter,
		model.ToolScanner:   adapter.NewScannerAdapter,
		model.ToolCloud:     adapter.NewCloudAdapter,
		model.ToolTicketing: adapter.NewTicketingAdapter,
	}
	for toolType, factory := range factories {
		for _, platform := range adapter.SupportedPlatforms(toolType) {
			if err := r.Register(toolType, platform, adapterAPIVersion, factory); err != nil {
				return err
			}
		}
	}
	return nil
}
