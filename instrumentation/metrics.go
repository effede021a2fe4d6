package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the engine
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant Metrics
	GrantRequestsTotal metric.Int64Counter
	GrantDuration      metric.Float64Histogram
	GrantRejections    metric.Int64Counter
	TokensIssued       metric.Int64Counter
	TokenRevoked       metric.Int64Counter
	DeviceAuthorized   metric.Int64Counter

	// Security Metrics
	ClientAuthFailures   metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	ReuseDetected        metric.Int64Counter
	SlowDownResponses    metric.Int64Counter

	// Key Metrics
	SigningKeysCreated metric.Int64Counter
	KeyStoreErrors     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageNoncesCount        metric.Int64ObservableGauge
	StorageSigningKeysCount   metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageClientsCount       metric.Int64ObservableGauge
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
	unit string
}

type histogramSpec struct {
	dst  *metric.Float64Histogram
	name string
	desc string
}

type gaugeSpec struct {
	dst  *metric.Int64ObservableGauge
	name string
	desc string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	grantMeter := inst.Meter("grant")
	securityMeter := inst.Meter("security")
	keysMeter := inst.Meter("keys")
	storageMeter := inst.Meter("storage")

	counters := []struct {
		meter metric.Meter
		counterSpec
	}{
		{httpMeter, counterSpec{&m.HTTPRequestsTotal, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"}},
		{grantMeter, counterSpec{&m.GrantRequestsTotal, "oauth.grant.requests.total", "Token requests by grant type and result", "{request}"}},
		{grantMeter, counterSpec{&m.GrantRejections, "oauth.grant.rejections", "Rejected token requests by grant type, state and error", "{request}"}},
		{grantMeter, counterSpec{&m.TokensIssued, "oauth.tokens.issued", "Issued tokens by grant type and kind", "{token}"}},
		{grantMeter, counterSpec{&m.TokenRevoked, "oauth.token.revoked", "Tokens revoked at the revocation endpoint", "{revocation}"}},
		{grantMeter, counterSpec{&m.DeviceAuthorized, "oauth.device.authorizations", "Device authorization requests", "{request}"}},
		{securityMeter, counterSpec{&m.ClientAuthFailures, "oauth.security.client_auth_failures", "Client authentication failures by method", "{failure}"}},
		{securityMeter, counterSpec{&m.PKCEValidationFailed, "oauth.security.pkce_failed", "PKCE verifier mismatches", "{failure}"}},
		{securityMeter, counterSpec{&m.ReuseDetected, "oauth.security.reuse_detected", "Replayed one-time values by kind", "{attempt}"}},
		{securityMeter, counterSpec{&m.SlowDownResponses, "oauth.security.slow_down", "Device polls answered with slow_down", "{response}"}},
		{keysMeter, counterSpec{&m.SigningKeysCreated, "oauth.keys.created", "Signing keys created by reason", "{key}"}},
		{keysMeter, counterSpec{&m.KeyStoreErrors, "oauth.keys.errors", "Key store failures by operation", "{error}"}},
		{storageMeter, counterSpec{&m.StorageOperationTotal, "oauth.storage.operations.total", "Storage operations by operation and result", "{operation}"}},
	}
	for _, c := range counters {
		instrument, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = instrument
	}

	histograms := []struct {
		meter metric.Meter
		histogramSpec
	}{
		{httpMeter, histogramSpec{&m.HTTPRequestDuration, "oauth.http.request.duration", "HTTP request duration in milliseconds"}},
		{grantMeter, histogramSpec{&m.GrantDuration, "oauth.grant.duration", "Token request processing time in milliseconds"}},
		{storageMeter, histogramSpec{&m.StorageOperationDuration, "oauth.storage.operation.duration", "Storage operation duration in milliseconds"}},
	}
	for _, h := range histograms {
		instrument, err := h.meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = instrument
	}

	gauges := []gaugeSpec{
		{&m.StorageNoncesCount, "oauth.storage.nonces.count", "Number of live nonces"},
		{&m.StorageSigningKeysCount, "oauth.storage.signing_keys.count", "Number of retained signing keys"},
		{&m.StorageRefreshTokensCount, "oauth.storage.refresh_tokens.count", "Number of stored refresh tokens"},
		{&m.StorageAccessTokensCount, "oauth.storage.access_tokens.count", "Number of stored opaque access tokens"},
		{&m.StorageClientsCount, "oauth.storage.clients.count", "Number of registered clients"},
	}
	for _, g := range gauges {
		instrument, err := storageMeter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{item}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = instrument
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordGrant records a completed token request. result is "issued" or "rejected".
func (m *Metrics) RecordGrant(ctx context.Context, grantType, result string, durationMs float64) {
	m.GrantRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("result", result),
	))
	m.GrantDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordGrantRejected records the state a token request was rejected in
func (m *Metrics) RecordGrantRejected(ctx context.Context, grantType, state, errorCode string) {
	m.GrantRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("state", state),
		attribute.String("error", errorCode),
	))
}

// RecordTokenIssued records one issued token. kind is access_token,
// refresh_token or id_token.
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, kind string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("kind", kind),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordDeviceAuthorization records a device authorization request
func (m *Metrics) RecordDeviceAuthorization(ctx context.Context) {
	m.DeviceAuthorized.Add(ctx, 1)
}

// RecordClientAuthFailure records a failed client authentication
func (m *Metrics) RecordClientAuthFailure(ctx context.Context, method string) {
	m.ClientAuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordReuseDetected records a replayed code, device code, refresh token or assertion
func (m *Metrics) RecordReuseDetected(ctx context.Context, kind string) {
	m.ReuseDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordSlowDown records a slow_down answer to a device poll
func (m *Metrics) RecordSlowDown(ctx context.Context) {
	m.SlowDownResponses.Add(ctx, 1)
}

// RecordSigningKeyCreated records a new signing key. reason is "initial",
// "expired" or "rotation".
func (m *Metrics) RecordSigningKeyCreated(ctx context.Context, alg, reason string) {
	m.SigningKeysCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alg", alg),
		attribute.String("reason", reason),
	))
}

// RecordKeyStoreError records a key store failure
func (m *Metrics) RecordKeyStoreError(ctx context.Context, operation string) {
	m.KeyStoreErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
