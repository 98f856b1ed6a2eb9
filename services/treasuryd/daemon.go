package treasuryd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"d2dtreasury/config"
	"d2dtreasury/core/events"
	"d2dtreasury/core/state"
	"d2dtreasury/crypto"
	"d2dtreasury/gateway/middleware"
	"d2dtreasury/integrations/eventlog"
	"d2dtreasury/integrations/lifecycle"
	"d2dtreasury/integrations/webhooks"
	"d2dtreasury/native/common"
	"d2dtreasury/native/treasury"
	"d2dtreasury/observability"
	telemetry "d2dtreasury/observability/otel"
	treasurydconfig "d2dtreasury/services/treasuryd/config"
	"d2dtreasury/services/treasuryd/keeper"
	"d2dtreasury/services/treasuryd/server"
	"d2dtreasury/storage"
)

// Daemon holds the assembled treasury service.
type Daemon struct {
	Config  treasurydconfig.Config
	Genesis *config.Genesis
	Engine  *treasury.Engine
	Store   *state.Store
	Keeper  *keeper.Keeper
	Server  *server.Server
	Pauses  *common.Pauses

	logger   *slog.Logger
	db       storage.Database
	events   *eventlog.Log
	webhooks *webhooks.Dispatcher
}

// Build opens storage, applies genesis and wires every component. The caller
// owns the returned daemon and must Close it.
func Build(ctx context.Context, cfg treasurydconfig.Config, metrics *observability.TreasuryMetrics, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{Config: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			d.Close()
		}
	}()

	var err error
	d.db, err = storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := state.EnsureStateVersion(d.db, cfg.Storage.AllowMigrate); err != nil {
		return nil, fmt.Errorf("state version: %w", err)
	}
	d.Store = state.NewStore(d.db)

	d.Genesis, err = config.Load(cfg.GenesisPath)
	if err != nil {
		return nil, fmt.Errorf("load genesis: %w", err)
	}
	ids, err := d.Genesis.Identities()
	if err != nil {
		return nil, err
	}

	d.Engine = treasury.NewEngine(d.Store, d.Genesis.Rent.Params())
	d.Pauses = common.NewPauses(d.Genesis.Pauses.Modules())
	d.Engine.SetPauses(d.Pauses)

	lc, err := newLifecycle(cfg.Lifecycle)
	if err != nil {
		return nil, err
	}
	d.Engine.SetLifecycle(lc)

	hub := server.NewHub()
	fanout := events.Fanout{hub}
	if metrics != nil {
		d.Engine.SetObserver(metrics)
		fanout = append(fanout, metrics.Emitter())
	}
	if cfg.EventLog.Driver != "" {
		d.events, err = eventlog.Open(cfg.EventLog.Driver, cfg.EventLog.DSN)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		d.events.SetLogger(logger)
		fanout = append(fanout, d.events.Emitter())
	}
	if cfg.Webhook.URL != "" {
		d.webhooks, err = webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret),
			webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, cfg.Webhook.MinBackoff.Duration, cfg.Webhook.MaxBackoff.Duration),
			webhooks.WithEventTypes(cfg.Webhook.EventTypes...),
		)
		if err != nil {
			return nil, fmt.Errorf("webhooks: %w", err)
		}
		fanout = append(fanout, d.webhooks)
	}
	d.Engine.SetEmitter(fanout)

	applied, err := config.Apply(ctx, d.Engine, d.Store, d.Genesis)
	if err != nil {
		return nil, fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		logger.Info("treasury initialised from genesis", "network", d.Genesis.NetworkName, "admin", ids.Admin.String())
	}

	if cfg.Keeper.Enabled {
		operator := ids.Admin
		if op := strings.TrimSpace(cfg.Keeper.Operator); op != "" {
			if operator, err = crypto.ParseIdentity(op); err != nil {
				return nil, fmt.Errorf("keeper operator: %w", err)
			}
		}
		opts := []keeper.Option{
			keeper.WithLogger(logger),
			keeper.WithInterval(cfg.Keeper.Interval.Duration),
			keeper.WithDistribution(cfg.Keeper.DistributePctBps),
			keeper.WithRenewalMonths(cfg.Keeper.AutoRenewMonths),
			keeper.WithMaxQueueSteps(cfg.Keeper.MaxQueueSteps),
		}
		if metrics != nil {
			opts = append(opts, keeper.WithMetrics(metrics))
		}
		d.Keeper = keeper.New(d.Engine, operator, opts...)
		if cfg.Keeper.PauseOnStart || d.Genesis.Pauses.Keeper {
			d.Keeper.Pause()
		}
	}

	opts := server.Options{
		Auth: middleware.AuthConfig{
			Enabled:       cfg.Auth.Enabled,
			HMACSecret:    cfg.Auth.HMACSecret,
			Issuer:        cfg.Auth.Issuer,
			Audience:      cfg.Auth.Audience,
			OptionalPaths: cfg.Auth.OptionalPaths,
			ClockSkew:     cfg.Auth.ClockSkew.Duration,
		},
		RateLimits:  rateLimits(cfg.RateLimits),
		ServiceName: "treasuryd",
		LogRequests: cfg.Logging.Requests,
		EventLog:    d.events,
		Keeper:      d.Keeper,
		Hub:         hub,
		Logger:      logger,
	}
	if metrics != nil {
		opts.Metrics = metrics
	}
	d.Server, err = server.New(d.Engine, opts)
	if err != nil {
		return nil, err
	}
	built = true
	return d, nil
}

func newLifecycle(cfg treasurydconfig.LifecycleConfig) (treasury.ProgramLifecycle, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return lifecycle.NewSimulator(), nil
	}
	httpClient := &http.Client{Timeout: cfg.Timeout.Duration, Transport: telemetry.Transport(nil)}
	client, err := lifecycle.NewClient(cfg.URL, lifecycle.WithHTTPClient(httpClient), lifecycle.WithBearerToken(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("lifecycle client: %w", err)
	}
	return client, nil
}

func rateLimits(in map[string]treasurydconfig.RateLimitConfig) map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(in))
	for group, limit := range in {
		out[group] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	return out
}

// Handler returns the HTTP surface.
func (d *Daemon) Handler() http.Handler { return d.Server.Router() }

// RunKeeper blocks running the keeper loop until ctx ends. It returns
// immediately when the keeper is disabled.
func (d *Daemon) RunKeeper(ctx context.Context) error {
	if d.Keeper == nil {
		return nil
	}
	if err := d.Keeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases storage, the event log and webhook workers.
func (d *Daemon) Close() {
	if d.webhooks != nil {
		d.webhooks.Close()
	}
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			d.logger.Warn("close event log", "error", err)
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("close storage", "error", err)
		}
	}
}
