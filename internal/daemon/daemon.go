// Package daemon assembles the todosync runtime from configuration: the
// durable queue, connectivity monitor, sync engine, to-do service, event
// publisher and HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/todosync/internal/auth"
	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/fyrsmithlabs/todosync/internal/connectivity"
	"github.com/fyrsmithlabs/todosync/internal/events"
	httpserver "github.com/fyrsmithlabs/todosync/internal/http"
	"github.com/fyrsmithlabs/todosync/internal/logging"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/remote"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
	"github.com/fyrsmithlabs/todosync/internal/telemetry"
	"github.com/fyrsmithlabs/todosync/internal/todo"
)

const (
	tracerName = "github.com/fyrsmithlabs/todosync/internal/syncengine"
	meterName  = "github.com/fyrsmithlabs/todosync/internal/http"
)

// Options overrides pieces normally built from config.
type Options struct {
	Version string
	// Client replaces the remote backend selected by remote.backend.
	Client remote.Client
	// Prober replaces the probe selected by connectivity.probe.
	Prober connectivity.Prober
}

// Daemon holds every long-lived component. Create with New, then Run.
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry   *telemetry.Telemetry
	store       queue.Store
	monitor     *connectivity.Monitor
	closeProber func() error
	session     *auth.Session
	client      remote.Client
	manager     *queue.Manager
	engine      *syncengine.Engine
	todo        *todo.Service
	publisher   *events.NATSPublisher
	server      *httpserver.Server

	unsubs []func()
}

// New builds the daemon. Nothing runs until Run is called. On error every
// resource acquired so far is released.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (d *Daemon, err error) {
	if cfg == nil {
		return nil, errors.New("daemon: config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d = &Daemon{cfg: cfg, logger: logger, closeProber: func() error { return nil }}
	defer func() {
		if err != nil {
			d.release(context.Background())
			d = nil
		}
	}()

	d.telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, opts.Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	d.store, err = openStore(ctx, cfg.Queue, logger.Named("queue"))
	if err != nil {
		return nil, err
	}

	if opts.Prober != nil {
		d.monitor = connectivity.NewMonitor(opts.Prober, connectivity.Options{
			InitialHint:   true,
			ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
			ProbeInterval: cfg.Connectivity.ProbeInterval,
		}, logger.Named("connectivity"))
	} else {
		d.monitor, d.closeProber, err = connectivity.NewFromConfig(cfg.Connectivity, logger.Named("connectivity"))
		if err != nil {
			return nil, fmt.Errorf("failed to create connectivity monitor: %w", err)
		}
	}

	d.session = auth.FromConfig(cfg.Auth)
	d.client = opts.Client
	if d.client == nil {
		d.client, err = newClient(cfg.Remote, d.session, logger.Named("remote"))
		if err != nil {
			return nil, err
		}
	}

	d.manager = queue.NewManager(d.store, d.monitor, logger.Named("queue"))
	d.engine = syncengine.New(syncengine.Deps{
		Store:        d.store,
		Client:       d.client,
		Status:       d.manager,
		Connectivity: d.monitor,
		Identity:     d.session,
		Tracer:       d.telemetry.Tracer(tracerName),
	}, syncengine.ConfigFromQueue(cfg.Queue), logger.Named("sync"))
	d.manager.SetDrainer(d.engine)
	d.unsubs = append(d.unsubs, d.engine.ListenForOnline(d.monitor))

	d.todo = todo.NewService(d.manager, d.engine, logger.Named("todo"))

	deps := httpserver.Deps{
		Queue:        d.manager,
		Engine:       d.engine,
		Connectivity: d.monitor,
		Todo:         d.todo,
		Meter:        d.telemetry.Meter(meterName),
		Telemetry:    d.telemetry,
		Version:      opts.Version,
	}
	if cfg.Events.Enabled {
		d.publisher, err = events.Connect(cfg.Events, logger.Named("events"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect event publisher: %w", err)
		}
		d.unsubs = append(d.unsubs, d.publisher.Attach(d.manager, d.monitor, d.engine))
		deps.Events = d.publisher.Conn()
		deps.EventsSubject = d.publisher.Wildcard()
	}

	d.server, err = httpserver.NewServer(deps, logger.Named("http"), &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}

	return d, nil
}

func openStore(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (queue.Store, error) {
	opts := queue.Options{MaxOperations: cfg.MaxOperations}
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := queue.NewSQLiteStore(ctx, cfg.Path, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite queue at %s: %w", cfg.Path, err)
		}
		return s, nil
	case config.BackendFile, "":
		s, err := queue.NewFileStore(cfg.Path, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open file queue at %s: %w", cfg.Path, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func newClient(cfg config.RemoteConfig, session *auth.Session, logger *zap.Logger) (remote.Client, error) {
	switch cfg.Backend {
	case config.RemoteREST:
		c, err := remote.NewRESTClient(remote.RESTConfig{
			BaseURL:   cfg.URL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
		}, session, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote client: %w", err)
		}
		logger.Info("remote configured",
			zap.String("url", cfg.URL),
			logging.Secret("api_key", cfg.APIKey),
			zap.Float64("rate_limit", cfg.RateLimit))
		return c, nil
	case config.RemoteMemory, "":
		logger.Warn("using in-memory remote backend; changes are not persisted remotely")
		return remote.NewMemoryClient(), nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Backend)
	}
}

// Run starts background work and serves HTTP until ctx is cancelled or the
// server fails, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	d.monitor.Start(ctx)
	d.engine.Start(ctx)

	status, err := d.manager.UpdateQueueStatus(ctx)
	if err != nil {
		d.logger.Warn("failed to load queue status", zap.Error(err))
	}
	d.logger.Info("todosync started",
		zap.String("addr", d.cfg.Server.Addr()),
		zap.String("queue_backend", d.cfg.Queue.Backend),
		zap.String("remote_backend", d.cfg.Remote.Backend),
		zap.Int("pending_operations", status.PendingOperations),
		zap.Bool("events", d.publisher != nil))

	// Operations left over from a previous run.
	if status.PendingOperations > 0 {
		d.engine.TriggerSync()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Start()
	}()

	var runErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the HTTP server, background work and releases resources.
// Pending operations stay in the store for the next run.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if err := d.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	errs = append(errs, d.release(ctx)...)
	d.logger.Info("todosync stopped")
	return errors.Join(errs...)
}

func (d *Daemon) release(ctx context.Context) []error {
	var errs []error
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil

	if d.todo != nil {
		d.todo.Close()
	}
	if d.engine != nil {
		d.engine.Stop()
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if err := d.closeProber(); err != nil {
		errs = append(errs, fmt.Errorf("close prober: %w", err))
	}
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event publisher: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue store: %w", err))
		}
	}
	if d.telemetry != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.telemetry.Shutdown(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errs
}

func (d *Daemon) Manager() *queue.Manager          { return d.manager }
func (d *Daemon) Engine() *syncengine.Engine       { return d.engine }
func (d *Daemon) Monitor() *connectivity.Monitor   { return d.monitor }
func (d *Daemon) Session() *auth.Session           { return d.session }
func (d *Daemon) Todo() *todo.Service              { return d.todo }
func (d *Daemon) Handler() http.Handler            { return d.server.Handler() }
func (d *Daemon) Publisher() *events.NATSPublisher { return d.publisher }
