package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-connect/internal/config"
	"github.com/stanstork/stratum-connect/internal/models"
	"github.com/stanstork/stratum-connect/internal/repository"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventIDHeader   = "X-Webhook-Event-Id"
	ActionHeader    = "X-Webhook-Action"

	maxResponseBytes = 1 << 20
)

// Result is the outcome of a dispatch. Send never returns an error; failures are reported
// here and, when delivery was attempted, persisted as a WebhookFailure.
type Result struct {
	Success  bool            `json:"success"`
	Status   int             `json:"status,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
}

// FailureRecorder persists deliveries that could not be completed.
type FailureRecorder interface {
	Create(ctx context.Context, params repository.CreateWebhookFailureParams) (models.WebhookFailure, error)
}

type Dispatcher struct {
	url           string
	authToken     string
	signingSecret string
	source        string
	retryAttempts int
	baseDelay     time.Duration
	timeout       time.Duration

	client   *http.Client
	failures FailureRecorder
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(cfg config.WebhookConfig, failures FailureRecorder, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		url:           cfg.URL,
		authToken:     cfg.AuthToken,
		signingSecret: cfg.SigningSecret,
		source:        cfg.Source,
		retryAttempts: cfg.RetryAttempts,
		baseDelay:     cfg.BaseDelay,
		timeout:       cfg.Timeout,
		client:        &http.Client{},
		failures:      failures,
		logger:        logger.With().Str("component", "webhook_dispatcher").Logger(),
		sleep:         sleepContext,
	}
	if d.retryAttempts <= 0 {
		d.retryAttempts = 3
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Second
	}
	if d.source == "" {
		d.source = "stratum"
	}
	return d
}

// Send delivers evt to the automation endpoint. The event is encoded before any network
// call; an event that cannot be encoded fails locally without being retried or recorded.
func Send[P any](ctx context.Context, d *Dispatcher, evt Event[P]) Result {
	if evt.Source == "" {
		evt.Source = d.source
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	body, err := encodeEvent(evt)
	if err != nil {
		d.logger.Error().Err(err).Str("action", string(evt.Action)).Msg("Rejected outbound event")
		return Result{Error: "invalid event: " + err.Error()}
	}

	res, class := d.deliver(ctx, string(evt.Action), body)
	if !res.Success {
		var tenantID *string
		if evt.TenantID != "" {
			tenantID = &evt.TenantID
		}
		d.recordFailure(ctx, repository.CreateWebhookFailureParams{
			TenantID:   tenantID,
			Source:     evt.Source,
			Action:     string(evt.Action),
			Payload:    body,
			RetryCount: res.Attempts,
			LastError:  res.Error,
			HTTPStatus: statusPtr(res.Status),
			Status:     class.failureStatus(),
		})
	}
	return res
}

// Redeliver sends a previously persisted payload snapshot through the same retry policy.
// Nothing is recorded; the caller owns the existing failure record.
func (d *Dispatcher) Redeliver(ctx context.Context, failure models.WebhookFailure) (Result, models.WebhookFailureStatus) {
	res, class := d.deliver(ctx, failure.Action, failure.Payload)
	if res.Success {
		return res, models.WebhookFailureResolved
	}
	return res, class.failureStatus()
}

type failureClass int

const (
	retryable failureClass = iota
	terminal
)

func (c failureClass) failureStatus() models.WebhookFailureStatus {
	if c == terminal {
		return models.WebhookFailureDeadLetter
	}
	return models.WebhookFailureFailed
}

type attemptResult struct {
	status int
	data   json.RawMessage
	err    error
	class  failureClass
}

func (d *Dispatcher) deliver(ctx context.Context, action string, body []byte) (Result, failureClass) {
	if d.url == "" {
		return Result{Error: "webhook url is not configured"}, terminal
	}

	eventID := uuid.NewString()
	var last attemptResult
	attempts := 0

	for attempt := 1; attempt <= d.retryAttempts; attempt++ {
		attempts = attempt
		last = d.attempt(ctx, eventID, action, body)
		if last.err == nil {
			return Result{Success: true, Status: last.status, Data: last.data, Attempts: attempts}, retryable
		}

		d.logger.Warn().
			Err(last.err).
			Str("action", action).
			Str("event_id", eventID).
			Int("attempt", attempt).
			Int("status", last.status).
			Msg("Webhook delivery attempt failed")

		if last.class == terminal || attempt == d.retryAttempts {
			break
		}
		if err := d.sleep(ctx, d.baseDelay*time.Duration(attempt)); err != nil {
			last.err = errors.Wrap(err, "delivery aborted")
			break
		}
	}

	return Result{Status: last.status, Data: last.data, Error: last.err.Error(), Attempts: attempts}, last.class
}

func (d *Dispatcher) attempt(ctx context.Context, eventID, action string, body []byte) attemptResult {
	if ctx.Err() != nil {
		return attemptResult{err: ctx.Err(), class: terminal}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return attemptResult{err: errors.Wrap(err, "build request"), class: terminal}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, eventID)
	req.Header.Set(ActionHeader, action)
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}
	if d.signingSecret != "" {
		req.Header.Set(SignatureHeader, Sign(d.signingSecret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// A cancelled parent context is not worth retrying; timeouts and refused
		// connections are.
		if ctx.Err() != nil {
			return attemptResult{err: ctx.Err(), class: terminal}
		}
		return attemptResult{err: errors.Wrap(err, "post event"), class: retryable}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return attemptResult{status: resp.StatusCode, err: errors.Wrap(err, "read response"), class: retryable}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return attemptResult{
			status: resp.StatusCode,
			data:   responseData(raw),
			err:    errors.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(raw)), 256)),
			class:  classifyStatus(resp.StatusCode),
		}
	}

	if isJSON(resp.Header.Get("Content-Type")) && len(bytes.TrimSpace(raw)) > 0 && !json.Valid(raw) {
		return attemptResult{status: resp.StatusCode, err: errors.New("malformed JSON response"), class: terminal}
	}
	return attemptResult{status: resp.StatusCode, data: responseData(raw)}
}

func classifyStatus(code int) failureClass {
	switch {
	case code >= 500:
		return retryable
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return retryable
	default:
		return terminal
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, params repository.CreateWebhookFailureParams) {
	if d.failures == nil {
		return
	}
	// The caller's context may already be done; the audit record should still land.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	failure, err := d.failures.Create(saveCtx, params)
	if err != nil {
		d.logger.Error().Err(err).Str("action", params.Action).Msg("Failed to persist webhook failure")
		return
	}
	d.logger.Error().
		Str("action", params.Action).
		Str("failure_id", failure.ID).
		Str("status", string(params.Status)).
		Int("attempts", params.RetryCount).
		Str("last_error", params.LastError).
		Msg("Webhook delivery failed")
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func encodeEvent[P any](evt Event[P]) ([]byte, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	var check struct {
		Source string `json:"source"`
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(body, &check); err != nil {
		return nil, err
	}
	if check.Action != evt.Action || check.Action == "" {
		return nil, errors.Errorf("action %q did not survive encoding", evt.Action)
	}
	return body, nil
}

func responseData(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func statusPtr(code int) *int {
	if code == 0 {
		return nil
	}
	return &code
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
