package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/mqtt-transport/internal/infrastructure/config"
)

// DefaultMeasurement is the measurement transport statistics are written to.
const DefaultMeasurement = "mqtt_transport"

const (
	pingTimeout          = 5 * time.Second
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Option configures a Sink.
type Option func(*Sink)

// WithMeasurement overrides DefaultMeasurement.
func WithMeasurement(name string) Option {
	return func(s *Sink) {
		if name != "" {
			s.measurement = name
		}
	}
}

// WithErrorHandler receives batch write failures. Writes are asynchronous,
// so this is the only place they surface.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Sink) { s.onError = fn }
}

// Sink batches transport statistics points into one InfluxDB bucket.
//
// WriteStats never blocks on the network. All methods are safe for
// concurrent use.
type Sink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	onError     func(error)
	closed      atomic.Bool
}

// Connect pings the server and prepares a batching writer for cfg.Bucket.
// It returns ErrDisabled when cfg is not enabled.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, opts ...Option) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(pingCtx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	s := &Sink{
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: DefaultMeasurement,
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.forwardErrors(s.writeAPI.Errors())
	return s, nil
}

func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) //nolint:gosec // Checked positive
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) //nolint:gosec // Positive duration
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !healthy {
		return errors.New("server not healthy")
	}
	return nil
}

// forwardErrors runs until the write API closes its error channel.
func (s *Sink) forwardErrors(errs <-chan error) {
	for err := range errs {
		if s.onError != nil {
			s.onError(err)
		}
	}
}

// Measurement returns the measurement points are written to.
func (s *Sink) Measurement() string {
	return s.measurement
}

// WriteStats queues one point. Points without fields, and points written
// after Close, are discarded.
func (s *Sink) WriteStats(tags map[string]string, fields map[string]any, ts time.Time) {
	if len(fields) == 0 || s.closed.Load() {
		return
	}
	s.writeAPI.WritePoint(write.NewPoint(s.measurement, tags, fields, ts))
}

// Ping checks the server is reachable.
func (s *Sink) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(pingCtx, s.client); err != nil {
		return fmt.Errorf("influxdb: %w", err)
	}
	return nil
}

// Close flushes queued points and releases the client. Later calls are
// no-ops.
func (s *Sink) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.writeAPI.Flush()
	s.client.Close()
}
