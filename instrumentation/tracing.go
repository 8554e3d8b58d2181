package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Values are metadata only; never attach credential
// values (codes, tokens, verifiers, secrets).
const (
	AttrClientID     = "oauth.client_id"
	AttrUserID       = "oauth.user_id"
	AttrScope        = "oauth.scope"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrGrantType    = "oauth.grant_type"
	AttrResponseType = "oauth.response_type"
	AttrPrompt       = "oauth.prompt"
	AttrCodeReuse    = "oauth.code.reuse"
	AttrError        = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	AttrSilent         = "rp.silent"
	AttrCallbackResult = "rp.callback.result"

	AttrClientIP     = "security.client_ip"
	AttrHTTPEndpoint = "http.endpoint"
	AttrHTTPMethod   = "http.method"
	AttrHTTPStatus   = "http.status_code"
)

// RecordError records err on span and marks it failed (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status without a recorded error (nil-safe).
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds the non-empty client, user and scope values.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddPKCEAttributes records the challenge method.
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddStorageAttributes adds storage operation attributes to a span.
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span.
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatus, statusCode),
	)
}
