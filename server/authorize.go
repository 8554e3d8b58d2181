package server

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-sso/instrumentation"
	"github.com/giantswarm/oauth-sso/internal/util"
	"github.com/giantswarm/oauth-sso/security"
	"github.com/giantswarm/oauth-sso/storage"
)

// ResponseTypeCode is the only response_type the server issues.
const ResponseTypeCode = "code"

// PromptNone asks the server to fail instead of showing any UI.
const PromptNone = "none"

// AuthorizeRequest holds the /authorize query parameters.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Prompt              string

	// ClientIP is only used for audit records.
	ClientIP string
}

// AuthorizeRequestFromQuery reads an AuthorizeRequest from a query string.
func AuthorizeRequestFromQuery(q url.Values) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		Prompt:              q.Get("prompt"),
	}
}

// AuthorizeResult tells the HTTP layer where to send the browser.
type AuthorizeResult struct {
	// RedirectURL is the client's redirect URI carrying either code and state
	// or error, error_description and state. Empty when NeedsLogin is set.
	RedirectURL string

	// NeedsLogin asks the caller to send the browser to the login surface and
	// come back to the same /authorize request afterwards.
	NeedsLogin bool

	// Code is the issued authorization code, when there is one.
	Code string
}

// Authorize runs the /authorize state machine for an already authenticated
// user (nil when there is no session).
//
// A returned error is a *ProtocolError (or an internal error) that must be
// answered directly, because the redirect target is not trusted yet. Errors
// found after the redirect URI has been validated are delivered through
// AuthorizeResult.RedirectURL instead.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, user *storage.User) (*AuthorizeResult, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.authorize")
	defer endSpan(span)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
		attribute.String(instrumentation.AttrPrompt, req.Prompt),
	)
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)

	client, err := s.validateAuthorizeTarget(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "authorization request rejected")
		return nil, err
	}

	redirectError := func(code, desc string) *AuthorizeResult {
		instrumentation.SetSpanError(span, code)
		return &AuthorizeResult{RedirectURL: appendQuery(req.RedirectURI, url.Values{
			"error":             {code},
			"error_description": {desc},
			"state":             {req.State},
		})}
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" {
		if method == "" {
			method = security.PKCEMethodS256
		}
		if err := s.validateChallenge(req.CodeChallenge, method); err != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "invalid_code_challenge")
			return redirectError(ErrorCodeInvalidRequest, err.Error()), nil
		}
		instrumentation.AddPKCEAttributes(span, method)
	} else {
		method = ""
	}

	scopes := normalizeScope(req.Scope, s.Config.DefaultScope)
	if err := s.validateScopes(client, scopes); err != nil {
		s.Auditor.LogAuthFailure("", client.ClientID, req.ClientIP, ErrorCodeInvalidScope)
		return redirectError(ErrorCodeInvalidScope, err.Error()), nil
	}
	scope := util.JoinScope(scopes)

	if user == nil {
		if req.Prompt == PromptNone {
			s.metrics().RecordLoginRequired(ctx, client.ClientID)
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventLoginRequired,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
			})
			return redirectError(ErrorCodeLoginRequired, "User is not authenticated"), nil
		}
		return &AuthorizeResult{NeedsLogin: true}, nil
	}
	instrumentation.AddOAuthFlowAttributes(span, "", user.ID, "")

	if !client.Trusted {
		s.Auditor.LogAuthFailure(user.ID, client.ClientID, req.ClientIP, "client_not_trusted")
		return redirectError(ErrorCodeAccessDenied, "Client requires user consent, which is not supported"), nil
	}

	code, err := s.issueCode(ctx, client, user, req, scope, method)
	if err != nil {
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "failed to issue authorization code")
		return nil, err
	}

	s.metrics().RecordCodeIssued(ctx, client.ClientID, method)
	s.Auditor.LogCodeIssued(user.ID, client.ClientID, req.ClientIP, scope)
	s.Logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"user_id", user.ID,
		"code_prefix", util.SafeTruncate(code.Code, 8))
	instrumentation.SetSpanSuccess(span)

	return &AuthorizeResult{
		Code: code.Code,
		RedirectURL: appendQuery(req.RedirectURI, url.Values{
			"code":  {code.Code},
			"state": {req.State},
		}),
	}, nil
}

// validateAuthorizeTarget runs the checks whose failures must not be
// redirected: parameters, client, redirect URI and the PKCE requirement.
func (s *Server) validateAuthorizeTarget(ctx context.Context, req *AuthorizeRequest) (*storage.Client, error) {
	if req.ResponseType == "" || req.ClientID == "" || req.RedirectURI == "" {
		return nil, errInvalidRequest("response_type, client_id and redirect_uri are required")
	}
	if req.ResponseType != ResponseTypeCode {
		return nil, newProtocolError(ErrorCodeUnsupportedResponseType,
			"Only response_type=code is supported")
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil || !client.Active {
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
		s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "unknown_client")
		return nil, errInvalidClientRequest("Unknown or inactive client")
	}

	if err := validateRedirectURI(client, req.RedirectURI); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		s.Logger.Warn("Rejected authorization request with unregistered redirect_uri",
			"client_id", client.ClientID)
		return nil, errInvalidRequest(err.Error())
	}

	if client.RequirePKCE && req.CodeChallenge == "" {
		s.Auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "missing_pkce_parameters")
		return nil, errInvalidRequest("code_challenge is required for this client")
	}

	return client, nil
}

func (s *Server) issueCode(ctx context.Context, client *storage.Client, user *storage.User, req *AuthorizeRequest, scope, method string) (*storage.AuthorizationCode, error) {
	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                security.RandomToken(security.CodeBytes),
		ClientID:            client.ClientID,
		UserID:              user.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		State:               req.State,
		Nonce:               req.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}
	return code, nil
}
