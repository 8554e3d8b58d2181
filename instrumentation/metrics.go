package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for both roles. Every Record method is
// safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization server flows
	CodeIssued     metric.Int64Counter
	CodeExchanged  metric.Int64Counter
	TokenRefreshed metric.Int64Counter
	TokenRevoked   metric.Int64Counter
	LoginRequired  metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeCodes         metric.Int64ObservableGauge
	StorageSizeRefreshTokens metric.Int64ObservableGauge
	StorageSizeClients       metric.Int64ObservableGauge

	// Relying party
	RPLoginStarted      metric.Int64Counter
	RPCallbackProcessed metric.Int64Counter
	RPStateMismatch     metric.Int64Counter
	RPUpstreamCall      metric.Float64Histogram
	RPPendingSize       metric.Int64ObservableGauge
	RPPendingSwept      metric.Int64Counter
}

// instrumentBuilder keeps the first creation error so newMetrics reads as a
// flat list.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64ObservableGauge {
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpB := &instrumentBuilder{meter: inst.Meter("http")}
	m.HTTPRequestsTotal = httpB.counter("oauth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = httpB.histogram("oauth.http.request.duration", "HTTP request duration in milliseconds")

	srvB := &instrumentBuilder{meter: inst.Meter("server")}
	m.CodeIssued = srvB.counter("oauth.code.issued", "Authorization codes issued by /authorize", "{code}")
	m.CodeExchanged = srvB.counter("oauth.code.exchanged", "Authorization codes exchanged for tokens", "{exchange}")
	m.TokenRefreshed = srvB.counter("oauth.token.refreshed", "Access tokens issued from a refresh token", "{refresh}")
	m.TokenRevoked = srvB.counter("oauth.token.revoked", "Refresh token revocation requests", "{revocation}")
	m.LoginRequired = srvB.counter("oauth.login_required", "Authorization requests answered with login_required", "{request}")

	secB := &instrumentBuilder{meter: inst.Meter("security")}
	m.RateLimitExceeded = secB.counter("oauth.rate_limit.exceeded", "Requests refused by the rate limiter", "{request}")
	m.PKCEValidationFailed = secB.counter("oauth.pkce.validation_failed", "Code exchanges with a failed PKCE check", "{failure}")
	m.CodeReuseDetected = secB.counter("oauth.code.reuse_detected", "Attempts to redeem an already used authorization code", "{attempt}")

	stB := &instrumentBuilder{meter: inst.Meter("storage")}
	m.StorageOperationTotal = stB.counter("storage.operation.total", "Storage operations", "{operation}")
	m.StorageOperationDuration = stB.histogram("storage.operation.duration", "Storage operation duration in milliseconds")
	m.StorageSizeCodes = stB.gauge("storage.codes.count", "Authorization codes held", "{code}")
	m.StorageSizeRefreshTokens = stB.gauge("storage.refresh_tokens.count", "Refresh tokens held", "{token}")
	m.StorageSizeClients = stB.gauge("storage.clients.count", "Registered clients", "{client}")

	rpB := &instrumentBuilder{meter: inst.Meter("relyingparty")}
	m.RPLoginStarted = rpB.counter("rp.login.started", "Authorization requests started by the relying party", "{flow}")
	m.RPCallbackProcessed = rpB.counter("rp.callback.processed", "Callbacks processed by the relying party", "{callback}")
	m.RPStateMismatch = rpB.counter("rp.state_mismatch", "Callbacks refused for an unknown or expired state", "{callback}")
	m.RPUpstreamCall = rpB.histogram("rp.upstream.duration", "Authorization server call duration in milliseconds")
	m.RPPendingSize = rpB.gauge("rp.pending.count", "Pending authorization requests", "{request}")
	m.RPPendingSwept = rpB.counter("rp.pending.swept", "Pending authorization requests removed by the sweeper", "{request}")

	for _, b := range []*instrumentBuilder{httpB, srvB, secB, stB, rpB} {
		if b.err != nil {
			return nil, b.err
		}
	}
	return m, nil
}

// ============================================================
// Recording helpers
// ============================================================

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordCodeIssued records an authorization code issued to clientID.
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, pkceMethod string) {
	if m == nil {
		return
	}
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordCodeExchange records an authorization code redemption attempt.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, result string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordTokenRefresh records a refresh grant attempt.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID, result string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordTokenRevocation records a revocation request.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordLoginRequired records a prompt=none request without a session.
func (m *Metrics) RecordLoginRequired(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.LoginRequired.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordRateLimitExceeded records a request refused by the limiter.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordPKCEValidationFailed records a failed PKCE check.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records an attempt to redeem a used code.
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordRPLoginStarted records an authorization request built by the relying party.
func (m *Metrics) RecordRPLoginStarted(ctx context.Context, silent bool) {
	if m == nil {
		return
	}
	m.RPLoginStarted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("silent", silent)))
}

// RecordRPCallback records a processed callback. result is "success" or an
// OAuth error code.
func (m *Metrics) RecordRPCallback(ctx context.Context, silent bool, result string) {
	if m == nil {
		return
	}
	m.RPCallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("silent", silent),
		attribute.String("result", result),
	))
}

// RecordRPStateMismatch records a callback with an unknown or expired state.
func (m *Metrics) RecordRPStateMismatch(ctx context.Context) {
	if m == nil {
		return
	}
	m.RPStateMismatch.Add(ctx, 1)
}

// RecordRPUpstreamCall records a call from the relying party to the
// authorization server.
func (m *Metrics) RecordRPUpstreamCall(ctx context.Context, operation string, durationMs float64, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.RPUpstreamCall.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

// RecordRPPendingSwept records entries dropped by the pending cache sweeper.
func (m *Metrics) RecordRPPendingSwept(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RPPendingSwept.Add(ctx, int64(n))
}
