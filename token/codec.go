package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-sso/internal/util"
	"github.com/giantswarm/oauth-sso/storage"
)

const (
	// DefaultAccessTokenTTL is the access token lifetime.
	DefaultAccessTokenTTL = time.Hour

	// DefaultIDTokenTTL is the ID token lifetime.
	DefaultIDTokenTTL = time.Hour

	// DefaultSessionTTL is the local session token lifetime.
	DefaultSessionTTL = 24 * time.Hour
)

var signingMethod = jwt.SigningMethodHS256

// Config configures a Codec.
type Config struct {
	// Issuer is the iss claim of issued tokens and the expected iss on verify.
	Issuer string

	// Secret is the HMAC key.
	Secret []byte

	AccessTokenTTL time.Duration
	IDTokenTTL     time.Duration
	SessionTTL     time.Duration

	// Now is the clock (default time.Now).
	Now func() time.Time
}

// Codec issues and verifies HS256 tokens for one issuer and secret.
type Codec struct {
	issuer     string
	secret     []byte
	accessTTL  time.Duration
	idTTL      time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

// NewCodec validates cfg and fills in default lifetimes.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("token issuer is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("token signing secret is required")
	}

	c := &Codec{
		issuer:     cfg.Issuer,
		secret:     append([]byte(nil), cfg.Secret...),
		accessTTL:  cfg.AccessTokenTTL,
		idTTL:      cfg.IDTokenTTL,
		sessionTTL: cfg.SessionTTL,
		now:        cfg.Now,
	}
	if c.accessTTL <= 0 {
		c.accessTTL = DefaultAccessTokenTTL
	}
	if c.idTTL <= 0 {
		c.idTTL = DefaultIDTokenTTL
	}
	if c.sessionTTL <= 0 {
		c.sessionTTL = DefaultSessionTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// AccessTokenTTL returns the access token lifetime, for expires_in.
func (c *Codec) AccessTokenTTL() time.Duration { return c.accessTTL }

// SessionTTL returns the session token lifetime.
func (c *Codec) SessionTTL() time.Duration { return c.sessionTTL }

// Issuer returns the configured issuer.
func (c *Codec) Issuer() string { return c.issuer }

func (c *Codec) registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := c.now()
	rc := jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		rc.Audience = jwt.ClaimStrings{audience}
	}
	return rc
}

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ============================================================
// Issue
// ============================================================

// IssueAccessToken mints an access token for user, bound to clientID.
func (c *Codec) IssueAccessToken(user *storage.User, clientID, scope string) (string, error) {
	if user == nil || user.ID == "" {
		return "", fmt.Errorf("access token requires a subject")
	}
	rc := c.registered(user.ID, clientID, c.accessTTL)
	rc.ID = uuid.NewString()
	return c.sign(&AccessClaims{
		Scope:            scope,
		ClientID:         clientID,
		TokenType:        KindAccess,
		RegisteredClaims: rc,
	})
}

// IssueIDToken mints an ID token. name and email are included only when the
// profile and email scopes were granted; nonce only when non-empty.
func (c *Codec) IssueIDToken(user *storage.User, clientID, nonce, scope string) (string, error) {
	if user == nil || user.ID == "" {
		return "", fmt.Errorf("id token requires a subject")
	}
	claims := &IDClaims{
		Nonce:            nonce,
		RegisteredClaims: c.registered(user.ID, clientID, c.idTTL),
	}
	if util.HasScope(scope, "profile") {
		claims.Name = user.Name
	}
	if util.HasScope(scope, "email") {
		claims.Email = user.Email
	}
	return c.sign(claims)
}

// IssueSessionToken mints a local session token.
func (c *Codec) IssueSessionToken(user SessionUser) (string, error) {
	if user.UserID == "" {
		return "", fmt.Errorf("session token requires a user id")
	}
	return c.sign(&SessionClaims{
		SessionUser:      user,
		TokenType:        KindSession,
		RegisteredClaims: c.registered(user.UserID, "", c.sessionTTL),
	})
}

// ============================================================
// Verify
// ============================================================

// VerifyAccessToken verifies signature, issuer, expiry and kind.
func (c *Codec) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != KindAccess {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenKind, claims.TokenType, KindAccess)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrMalformedToken)
	}
	return claims, nil
}

// VerifyIDToken verifies an ID token for clientID. When nonce is non-empty the
// token must carry the same nonce.
func (c *Codec) VerifyIDToken(tokenString, clientID, nonce string) (*IDClaims, error) {
	claims := &IDClaims{}
	if err := c.parse(tokenString, claims, jwt.WithAudience(clientID)); err != nil {
		return nil, err
	}
	if claims.TokenType != "" {
		return nil, fmt.Errorf("%w: got %q, want id token", ErrWrongTokenKind, claims.TokenType)
	}
	if nonce != "" && claims.Nonce != nonce {
		return nil, fmt.Errorf("%w: nonce", ErrClaimMismatch)
	}
	return claims, nil
}

// VerifySessionToken verifies a local session token.
func (c *Codec) VerifySessionToken(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := c.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != KindSession {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenKind, claims.TokenType, KindSession)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId", ErrMalformedToken)
	}
	return claims, nil
}

func (c *Codec) parse(tokenString string, claims jwt.Claims, extra ...jwt.ParserOption) error {
	if tokenString == "" {
		return fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}, extra...)

	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps jwt errors onto this package's error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrClaimMismatch, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
