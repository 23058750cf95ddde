// Package proxy forwards chat and completion requests to the backend serving
// the requested model.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/llmmux/internal/circuitbreaker"
	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/httputil"
	"github.com/felipepmaragno/llmmux/internal/metrics"
	"github.com/felipepmaragno/llmmux/internal/telemetry"
	"github.com/felipepmaragno/llmmux/internal/transform"
)

const (
	maxResponseBody = 64 << 20
	maxErrorDetail  = 512
	streamChunkSize = 32 << 10
)

type Resolver interface {
	Resolve(model string) (domain.BackendEndpoint, error)
}

type Config struct {
	Resolver   Resolver
	Normalizer *transform.Normalizer
	Breakers   *circuitbreaker.Manager
	Timeout    time.Duration
	// Optional; built from Timeout when nil.
	Client       *http.Client
	StreamClient *http.Client
}

type Dispatcher struct {
	resolver     Resolver
	normalizer   *transform.Normalizer
	breakers     *circuitbreaker.Manager
	client       *http.Client
	streamClient *http.Client
}

type Result struct {
	Backend    domain.BackendEndpoint
	StatusCode int
	Body       []byte
	Tokens     int
}

type StreamResult struct {
	Backend    domain.BackendEndpoint
	StatusCode int
	Bytes      int64
	// Committed is set once response headers have been written to the caller.
	Committed bool
}

func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = httputil.DefaultProxyTimeout
	}
	if cfg.Client == nil {
		cfg.Client = httputil.NewClient(httputil.ProxyConfig(cfg.Timeout))
	}
	if cfg.StreamClient == nil {
		cfg.StreamClient = httputil.NewClient(httputil.StreamConfig(cfg.Timeout))
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = transform.NewNormalizer()
	}

	return &Dispatcher{
		resolver:     cfg.Resolver,
		normalizer:   cfg.Normalizer,
		breakers:     cfg.Breakers,
		client:       cfg.Client,
		streamClient: cfg.StreamClient,
	}
}

// Dispatch performs a buffered call. Chat responses for models that need
// repair are normalized; every other body is returned exactly as received.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.ProxyRequest) (*Result, error) {
	backend, err := d.resolver.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartDispatch(ctx, req, backend)
	defer span.End()

	breaker := d.breaker(backend)
	if breaker != nil {
		if err := breaker.Allow(); err != nil {
			metrics.RecordUpstreamError(backend.BaseURL, "circuit_open")
			return nil, &domain.UpstreamError{Backend: backend.BaseURL, Err: err}
		}
	}

	target := backend.BaseURL + req.Path()
	slog.Info("proxying request", "kind", req.Kind, "model", req.Model, "target", target)

	resp, err := d.post(ctx, d.client, target, req.Body, "application/json")
	if err != nil {
		return nil, d.fail(span, breaker, backend, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, d.fail(span, breaker, backend, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	telemetry.SetHTTPStatus(span, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, d.fail(span, breaker, backend, resp.StatusCode, statusError(resp.StatusCode, body))
	}
	if !json.Valid(body) {
		return nil, d.fail(span, breaker, backend, resp.StatusCode, errors.New("backend returned invalid JSON"))
	}

	if breaker != nil {
		breaker.RecordSuccess()
	}

	if req.Kind == domain.KindChat && transform.NeedsRepair(req.Model) {
		body = d.normalize(body)
	}

	return &Result{
		Backend:    backend,
		StatusCode: resp.StatusCode,
		Body:       body,
		Tokens:     int(gjson.GetBytes(body, "usage.total_tokens").Int()),
	}, nil
}

func (d *Dispatcher) normalize(body []byte) []byte {
	var parsed domain.ChatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		slog.Warn("response not in chat completion shape, skipping normalization", "error", err)
		return body
	}

	fixed := d.normalizer.Normalize(&parsed)
	if fixed == &parsed {
		return body
	}

	out, err := patchChoices(body, parsed.Choices, fixed.Choices)
	if err != nil {
		slog.Warn("failed to encode normalized response", "error", err)
		return body
	}
	return out
}

// patchChoices rewrites content, tool_calls and finish_reason of each repaired
// choice in place. Fields the typed response does not declare stay untouched.
func patchChoices(body []byte, before, after []domain.Choice) ([]byte, error) {
	out := body
	for i := range after {
		if before[i].Message.Content == nil || after[i].Message.Content != nil {
			continue
		}

		calls, err := json.Marshal(after[i].Message.ToolCalls)
		if err != nil {
			return nil, err
		}
		if out, err = sjson.SetRawBytes(out, fmt.Sprintf("choices.%d.message.content", i), []byte("null")); err != nil {
			return nil, err
		}
		if out, err = sjson.SetRawBytes(out, fmt.Sprintf("choices.%d.message.tool_calls", i), calls); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, fmt.Sprintf("choices.%d.finish_reason", i), after[i].FinishReason); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stream pipes the backend's event stream to w as bytes arrive. Errors that
// happen before Committed leave w untouched so the caller can still reply;
// after that the stream just ends.
func (d *Dispatcher) Stream(ctx context.Context, w http.ResponseWriter, req domain.ProxyRequest) (StreamResult, error) {
	var res StreamResult

	backend, err := d.resolver.Resolve(req.Model)
	if err != nil {
		return res, err
	}
	res.Backend = backend

	ctx, span := telemetry.StartDispatch(ctx, req, backend)
	defer span.End()

	breaker := d.breaker(backend)
	if breaker != nil {
		if err := breaker.Allow(); err != nil {
			metrics.RecordUpstreamError(backend.BaseURL, "circuit_open")
			return res, &domain.UpstreamError{Backend: backend.BaseURL, Err: err}
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return res, errors.New("streaming not supported by response writer")
	}

	target := backend.BaseURL + req.Path()
	slog.Info("proxying streaming request", "kind", req.Kind, "model", req.Model, "target", target)

	resp, err := d.post(ctx, d.streamClient, target, req.Body, "text/event-stream")
	if err != nil {
		return res, d.fail(span, breaker, backend, 0, err)
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	telemetry.SetHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetail))
		return res, d.fail(span, breaker, backend, resp.StatusCode, statusError(resp.StatusCode, detail))
	}

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()
	res.Committed = true

	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			res.Bytes += int64(written)
			if writeErr != nil {
				slog.Info("client went away during stream", "model", req.Model, "bytes", res.Bytes)
				return res, nil
			}
			flusher.Flush()
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				slog.Info("stream cancelled by client", "model", req.Model, "bytes", res.Bytes)
				return res, nil
			}
			slog.Error("stream error", "model", req.Model, "target", target, "error", readErr)
			return res, d.fail(span, breaker, backend, resp.StatusCode, readErr)
		}
	}

	if breaker != nil {
		breaker.RecordSuccess()
	}
	slog.Debug("stream completed", "model", req.Model, "bytes", res.Bytes)
	return res, nil
}

func (d *Dispatcher) post(ctx context.Context, client *http.Client, target string, body []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	return client.Do(httpReq)
}

func (d *Dispatcher) breaker(backend domain.BackendEndpoint) *circuitbreaker.Breaker {
	if d.breakers == nil {
		return nil
	}
	return d.breakers.Get(backend.BaseURL)
}

// fail records the failure and wraps it. Backend 4xx answers do not count
// against the circuit breaker.
func (d *Dispatcher) fail(span trace.Span, breaker *circuitbreaker.Breaker, backend domain.BackendEndpoint, status int, err error) error {
	errorType := "transport"
	switch {
	case status >= 500:
		errorType = "status_5xx"
	case status >= 400:
		errorType = "status_4xx"
	case status != 0:
		errorType = "invalid_response"
	}

	if breaker != nil && !errors.Is(err, context.Canceled) {
		if status >= 400 && status < 500 {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
	}

	metrics.RecordUpstreamError(backend.BaseURL, errorType)
	telemetry.Fail(span, err)
	slog.Error("backend request failed",
		"backend", backend.BaseURL,
		"model", backend.ModelName,
		"status", status,
		"error", err,
	)

	return &domain.UpstreamError{Backend: backend.BaseURL, StatusCode: status, Err: err}
}

func statusError(status int, body []byte) error {
	detail := bytes.TrimSpace(body)
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}
	if len(detail) == 0 {
		return fmt.Errorf("backend returned status %d", status)
	}
	return fmt.Errorf("backend returned status %d: %s", status, detail)
}
