package ctorz

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Registry, Broker or Interceptor during creation.
// Each component reads only the settings that concern it.
type Option func(*config)

// config holds internal configuration shared by all components.
type config struct {
	logger      zerolog.Logger
	clock       clockz.Clock // Time abstraction for deterministic testing
	tracer      trace.TracerProvider
	exclude     []string
	sink        RecordSink
	workers     int
	queueSize   int
	sinkTimeout time.Duration
}

func newConfig(opts []Option) config {
	cfg := config{
		logger:  zerolog.Nop(),
		clock:   clockz.RealClock,
		tracer:  otel.GetTracerProvider(),
		workers: 2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queueSize == 0 {
		cfg.queueSize = cfg.workers * 32
	}
	return cfg
}

// WithLogger sets the structured logger. Default is zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithClock sets the clock used for record timestamps and sink timeouts.
// Use clockz.NewFakeClock for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithTracerProvider sets the OpenTelemetry provider used to trace rewrite
// attempts. Default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracer = tp
	}
}

// WithExclude adds type identifier prefixes that are never instrumented,
// whatever hooks are registered for them. The bridge namespace is always
// excluded.
func WithExclude(prefixes ...string) Option {
	return func(c *config) {
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				c.exclude = append(c.exclude, string(NormalizeTypeID(p)))
			}
		}
	}
}

// WithRecordSink delivers every new RewriteRecord to sink asynchronously.
func WithRecordSink(sink RecordSink) Option {
	return func(c *config) {
		c.sink = sink
	}
}

// WithSinkWorkers sets the number of goroutines delivering records.
// Default is 2.
func WithSinkWorkers(count int) Option {
	return func(c *config) {
		if count > 0 {
			c.workers = count
		}
	}
}

// WithSinkQueueSize sets the delivery queue size.
// Default is 0, which auto-calculates as workers * 32.
func WithSinkQueueSize(size int) Option {
	return func(c *config) {
		c.queueSize = size
	}
}

// WithSinkTimeout bounds each delivery. Default is no timeout (0).
func WithSinkTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.sinkTimeout = timeout
	}
}
