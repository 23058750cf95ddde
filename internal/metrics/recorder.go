package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

// Recorder receives one usage record per completed request. Implementations
// must not block the caller.
type Recorder interface {
	Record(rec domain.UsageRecord)
}

// Sink persists or exports usage records.
type Sink interface {
	Record(ctx context.Context, rec domain.UsageRecord) error
}

type SinkFunc func(ctx context.Context, rec domain.UsageRecord) error

func (f SinkFunc) Record(ctx context.Context, rec domain.UsageRecord) error {
	return f(ctx, rec)
}

// PrometheusSink maps usage records onto the request and token collectors.
type PrometheusSink struct{}

func (PrometheusSink) Record(_ context.Context, rec domain.UsageRecord) error {
	status := "success"
	if !rec.Success {
		status = strconv.Itoa(rec.StatusCode)
	}
	RecordRequest(rec.APIKeyID, rec.Model, status, float64(rec.LatencyMs)/1000)
	if rec.Tokens > 0 {
		RecordTokens(rec.APIKeyID, rec.Model, rec.Tokens)
	}
	return nil
}

// AsyncRecorder fans each record out to its sinks on a background goroutine.
type AsyncRecorder struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsyncRecorder(timeout time.Duration, sinks ...Sink) *AsyncRecorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AsyncRecorder{sinks: sinks, timeout: timeout}
}

func (r *AsyncRecorder) Record(rec domain.UsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		for _, sink := range r.sinks {
			if err := sink.Record(ctx, rec); err != nil {
				slog.Warn("failed to record usage",
					"api_key_id", rec.APIKeyID,
					"model", rec.Model,
					"error", err,
				)
			}
		}
	}()
}

// Wait blocks until all in-flight records have been delivered.
func (r *AsyncRecorder) Wait() {
	r.wg.Wait()
}

type NoopRecorder struct{}

func (NoopRecorder) Record(domain.UsageRecord) {}
