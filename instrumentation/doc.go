// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server and the relying party.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth-sso-authserver",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//
// A disabled Config produces no-op providers, so components can always call
// Tracer, Meter and the Metrics record helpers without nil checks.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{method, endpoint, status}
//
// Authorization Server:
//   - oauth.code.issued{client_id, pkce_method}
//   - oauth.code.exchanged{client_id, result}
//   - oauth.token.refreshed{client_id, result}
//   - oauth.token.revoked{client_id}
//   - oauth.login_required{client_id}
//
// Security:
//   - oauth.rate_limit.exceeded{endpoint}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.codes.count, storage.refresh_tokens.count, storage.clients.count
//
// Relying Party:
//   - rp.login.started{silent}
//   - rp.callback.processed{silent, result}
//   - rp.state_mismatch
//   - rp.upstream.duration{operation, result}
//   - rp.pending.count, rp.pending.swept
//
// # Security
//
// Never put token, code, verifier or secret values on spans or metrics. Only
// metadata such as client ids, scopes, grant types and results.
package instrumentation
