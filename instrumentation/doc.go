// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization engine.
//
// # Usage
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "my-auth-server",
//		ServiceVersion:  "1.0.0",
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	router.Handle("/metrics", inst.PrometheusHandler())
//
// Hosts that already run an OpenTelemetry pipeline inject their providers
// through Config.MeterProvider and Config.TracerProvider instead; Shutdown then
// leaves them alone.
//
// # Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{method, endpoint, status}
//
// Grants:
//   - oauth.grant.requests.total{grant_type, result}
//   - oauth.grant.duration{grant_type}
//   - oauth.grant.rejections{grant_type, state, error}
//   - oauth.tokens.issued{grant_type, kind}
//   - oauth.token.revoked{token_type}
//   - oauth.device.authorizations
//
// Security:
//   - oauth.security.client_auth_failures{method}
//   - oauth.security.pkce_failed{method}
//   - oauth.security.reuse_detected{kind}
//   - oauth.security.slow_down
//
// Keys:
//   - oauth.keys.created{alg, reason}
//   - oauth.keys.errors{operation}
//
// Storage:
//   - oauth.storage.operations.total{operation, result}
//   - oauth.storage.operation.duration{operation}
//   - oauth.storage.{nonces,signing_keys,refresh_tokens,access_tokens,clients}.count
//
// No metric carries client_id or subject labels, so cardinality stays bounded
// by the number of grant types, endpoints and error codes. Per-client detail
// belongs in spans and audit logs.
//
// # Tracing
//
// Each token request runs in a "grant.<type>" span whose oauth.grant.state
// attribute records how far the request got. Storage operations of the memory
// backend open child spans.
//
// Never put credential values into spans or metric attributes; the Attr*
// constants name metadata only.
package instrumentation
