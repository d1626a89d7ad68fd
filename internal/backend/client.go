// Package backend is the HTTP client for the remote maternity backend:
// patient lists and records, progression predictions, AI care plans, the home
// summary and speech synthesis. Each endpoint sits behind its own breaker.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthgest/go-maternity/internal/maternity"
	"github.com/healthgest/go-maternity/internal/playback"
	"github.com/healthgest/go-maternity/pkg/circuitbreaker"
)

// maxBody caps how much of a response body is read.
const maxBody = 32 << 20

// StatusError is returned for a non-2xx reply.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Endpoint, e.StatusCode)
}

// IsSuccessful reports whether err should leave a breaker's failure counts
// alone. Client errors other than 429 and caller cancellations are not the
// backend's fault.
func IsSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// BreakerConfig returns base with IsSuccessful wired for backend errors.
func BreakerConfig(base circuitbreaker.Config) circuitbreaker.Config {
	base.IsSuccessful = IsSuccessful
	return base
}

// Endpoints are the backend paths that are not configured per cohort.
type Endpoints struct {
	Predict         string
	DietInsight     string
	ExerciseInsight string
	Summary         string
	Speech          string
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Endpoints Endpoints
	Timeout   time.Duration
}

// RequestObserver records backend call latency.
type RequestObserver interface {
	BackendRequest(endpoint, outcome string, elapsed time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObserver reports every request to o.
func WithObserver(o RequestObserver) Option {
	return func(c *Client) { c.observer = o }
}

// Client talks to the maternity backend.
type Client struct {
	base      *url.URL
	endpoints Endpoints
	http      *http.Client
	breakers  *circuitbreaker.Manager
	observer  RequestObserver
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New creates a client. breakers supplies one breaker per endpoint path.
func New(cfg Config, breakers *circuitbreaker.Manager, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		return nil, errors.New("breaker manager is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url scheme must be http or https, got %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		base:      base,
		endpoints: cfg.Endpoints,
		http:      &http.Client{Timeout: timeout},
		breakers:  breakers,
		tracer:    otel.Tracer("maternity-backend"),
		logger:    logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ListPatients fetches the patient list served at endpoint.
func (c *Client) ListPatients(ctx context.Context, endpoint string) ([]maternity.Patient, error) {
	var patients []maternity.Patient
	if err := c.do(ctx, endpoint, http.MethodGet, endpoint, nil, &patients); err != nil {
		return nil, err
	}
	return patients, nil
}

// PatientDetails fetches the full record for one patient from endpoint/id.
func (c *Client) PatientDetails(ctx context.Context, endpoint, patientID string) (*maternity.PatientRecord, error) {
	var rec maternity.PatientRecord
	path := strings.TrimSuffix(endpoint, "/") + "/" + url.PathEscape(patientID)
	if err := c.do(ctx, endpoint, http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Predict posts the patient's visits to the progression model. A
// success:false reply is returned as is, without an error.
func (c *Client) Predict(ctx context.Context, req maternity.PredictionRequest) (*maternity.Prediction, error) {
	var pred maternity.Prediction
	if err := c.do(ctx, c.endpoints.Predict, http.MethodPost, c.endpoints.Predict, req, &pred); err != nil {
		return nil, err
	}
	return &pred, nil
}

// Insight requests an AI care plan. On a non-2xx reply the decoded body, if
// any, is returned alongside the *StatusError so its message can be shown.
func (c *Client) Insight(ctx context.Context, kind maternity.InsightKind, req maternity.InsightRequest) (*maternity.InsightResponse, error) {
	var endpoint string
	switch kind {
	case maternity.InsightDiet:
		endpoint = c.endpoints.DietInsight
	case maternity.InsightExercise:
		endpoint = c.endpoints.ExerciseInsight
	default:
		return nil, fmt.Errorf("unknown insight kind %q", kind)
	}

	var resp maternity.InsightResponse
	err := c.do(ctx, endpoint, http.MethodPost, endpoint, req, &resp)
	var se *StatusError
	if errors.As(err, &se) {
		if se.Message != "" {
			resp.Error = se.Message
		}
		return &resp, err
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// HomeSummary fetches the landing page aggregates.
func (c *Client) HomeSummary(ctx context.Context) (*maternity.HomeSummary, error) {
	var sum maternity.HomeSummary
	if err := c.do(ctx, c.endpoints.Summary, http.MethodGet, c.endpoints.Summary, nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

type speechRequest struct {
	Text string `json:"text"`
}

type speechResponse struct {
	Audio string `json:"audio"`
	Error string `json:"error,omitempty"`
}

// Synthesize turns text into 24kHz mono PCM speech.
func (c *Client) Synthesize(ctx context.Context, text string) (*playback.Clip, error) {
	if c.endpoints.Speech == "" {
		return nil, errors.New("speech endpoint not configured")
	}
	var resp speechResponse
	if err := c.do(ctx, c.endpoints.Speech, http.MethodPost, c.endpoints.Speech, speechRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if resp.Audio == "" {
		if resp.Error != "" {
			return nil, fmt.Errorf("speech synthesis failed: %s", resp.Error)
		}
		return nil, errors.New("speech synthesis returned no audio")
	}
	return &playback.Clip{
		Audio:      resp.Audio,
		SampleRate: playback.SampleRate,
		Channels:   playback.Channels,
		Encoding:   playback.EncodingPCM16,
	}, nil
}

// Breakers reports the state of every endpoint breaker used so far.
func (c *Client) Breakers() []circuitbreaker.HealthStatus {
	return c.breakers.GetHealthStatus()
}

func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", path, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

// do sends one request through the endpoint's breaker and decodes a 2xx JSON
// reply into out. On a non-2xx reply out receives whatever JSON the body
// carried and a *StatusError is returned.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body, out any) error {
	if endpoint == "" {
		return errors.New("backend endpoint not configured")
	}
	cb, err := c.breakers.Get(endpoint)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = circuitbreaker.Execute(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, endpoint, method, path, body, out)
	})
	if c.observer != nil {
		c.observer.BackendRequest(endpoint, outcome(err), time.Since(start))
	}
	if err != nil {
		c.logger.Debug("backend request failed",
			zap.String("endpoint", endpoint),
			zap.String("method", method),
			zap.Error(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, endpoint, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "backend "+method+" "+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("backend.endpoint", endpoint),
		))
	defer span.End()

	target, err := c.resolve(path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		span.SetStatus(codes.Error, strconv.Itoa(resp.StatusCode))
		return se
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a reply body.
func errorMessage(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) != nil {
		return ""
	}
	return e.Error
}

func outcome(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "rejected"
	case errors.As(err, &se):
		return strconv.Itoa(se.StatusCode)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
