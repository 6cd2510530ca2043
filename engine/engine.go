package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/backoff"
	"github.com/MohamedSaeedBekhit/firelancer/buffer"
	"github.com/MohamedSaeedBekhit/firelancer/catalog"
	"github.com/MohamedSaeedBekhit/firelancer/event"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
	mw "github.com/MohamedSaeedBekhit/firelancer/middleware"
	"github.com/MohamedSaeedBekhit/firelancer/queue"
)

// otelScope names the instrumentation scope for meters and tracers.
const otelScope = "github.com/MohamedSaeedBekhit/firelancer"

// Engine wires the Firelancer subsystems together and owns their
// lifecycle. Use New to create one, then Start and Stop.
type Engine struct {
	cfg    firelancer.Config
	logger *slog.Logger

	jobStore      job.Store
	bufferStorage buffer.Storage
	catalogStore  catalog.Store

	bus     *event.Bus
	buffers *buffer.Service
	queues  *queue.Service
	catalog *catalog.Service
	maint   *maintenance

	filters      *catalog.FilterRegistry
	collectables *catalog.CollectableRegistry
	hooks        *queue.Hooks
	bo           backoff.Strategy
	mws          []mw.Middleware

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Zero fields fall back to
// firelancer.DefaultConfig values.
func WithConfig(cfg firelancer.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger shared by all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithJobStore sets the durable job record store. Required.
func WithJobStore(store job.Store) Option {
	return func(e *Engine) { e.jobStore = store }
}

// WithBufferStorage sets the storage backing buffered queues. Without it
// no queue may be registered as buffered.
func WithBufferStorage(storage buffer.Storage) Option {
	return func(e *Engine) { e.bufferStorage = storage }
}

// WithCatalogStore sets the catalog store. Without it the catalog
// subsystem is disabled and only plain job queues are available.
func WithCatalogStore(store catalog.Store) Option {
	return func(e *Engine) { e.catalogStore = store }
}

// WithMiddleware appends middleware to the default execution chain.
func WithMiddleware(mws ...mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, mws...) }
}

// WithBackoff sets the service-wide retry delay strategy.
func WithBackoff(strategy backoff.Strategy) Option {
	return func(e *Engine) { e.bo = strategy }
}

// WithFilters sets the collection filter registry.
func WithFilters(filters *catalog.FilterRegistry) Option {
	return func(e *Engine) { e.filters = filters }
}

// WithCollectables sets the collectable entity registry.
func WithCollectables(collectables *catalog.CollectableRegistry) Option {
	return func(e *Engine) { e.collectables = collectables }
}

// WithHooks sets the job lifecycle hook registry.
func WithHooks(hooks *queue.Hooks) Option {
	return func(e *Engine) { e.hooks = hooks }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New assembles an engine from the given options. A job store is
// required; the buffer and catalog subsystems are optional.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    firelancer.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.jobStore == nil {
		return nil, fmt.Errorf("engine: %w", firelancer.ErrNoStore)
	}

	e.bus = event.NewBus(e.logger)

	if e.bufferStorage != nil {
		e.buffers = buffer.NewService(e.bufferStorage, e.jobStore, e.logger)
	}

	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(otelScope))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(otelScope))
	} else {
		metricsMw = mw.Metrics()
	}

	allMws := append([]mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
	}, e.mws...)

	queueOpts := []queue.Option{queue.WithMiddleware(allMws...)}
	if e.bo != nil {
		queueOpts = append(queueOpts, queue.WithBackoff(e.bo))
	}
	if e.hooks != nil {
		queueOpts = append(queueOpts, queue.WithHooks(e.hooks))
	}
	e.queues = queue.NewService(e.cfg, e.jobStore, e.buffers, e.logger, queueOpts...)

	if e.catalogStore != nil {
		e.catalog = catalog.NewService(e.catalogStore, e.queues, e.bus, e.filters, e.collectables, e.logger)
	}

	e.maint = newMaintenance(e, e.logger)

	return e, nil
}

// Queues returns the queue service for queue registration and job
// management.
func (e *Engine) Queues() *queue.Service { return e.queues }

// Catalog returns the catalog service, or nil when no catalog store was
// configured.
func (e *Engine) Catalog() *catalog.Service { return e.catalog }

// Bus returns the in-process event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Hooks returns the job lifecycle hook registry.
func (e *Engine) Hooks() *queue.Hooks { return e.queues.Hooks() }

// CreateQueue registers a queue with the underlying queue service.
func (e *Engine) CreateQueue(cfg queue.Config) (*queue.JobQueue, error) {
	return e.queues.CreateQueue(cfg)
}

// Cancel requests cancellation of a job.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	return e.queues.Cancel(ctx, jobID)
}

// FlushBuffers drains buffered queues into the job store immediately,
// ahead of the scheduled flush.
func (e *Engine) FlushBuffers(ctx context.Context, queueNames ...string) error {
	return e.queues.FlushBuffers(ctx, queueNames...)
}

// Start initializes the catalog subsystem, launches the queue workers and
// begins scheduled maintenance.
func (e *Engine) Start(ctx context.Context) error {
	if e.catalog != nil {
		if err := e.catalog.Init(ctx); err != nil {
			return err
		}
	}

	if err := e.queues.Start(ctx); err != nil {
		return err
	}

	e.maint.start()
	e.logger.Info("engine started")

	return nil
}

// Stop shuts the engine down: maintenance first so no new flushes start,
// then the queue workers, then the catalog event bridges and the bus.
func (e *Engine) Stop(ctx context.Context) error {
	e.maint.stop()

	err := e.queues.Stop(ctx)

	if e.catalog != nil {
		e.catalog.Close()
	}
	e.bus.Close()

	e.logger.Info("engine stopped")

	return err
}
