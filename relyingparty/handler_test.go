package relyingparty

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-sso/security"
)

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

type rpFixture struct {
	*flowEnv
	handler *Handler
	mux     *http.ServeMux
}

func setupRP(t *testing.T, mutate ...func(*Config)) *rpFixture {
	t.Helper()
	env := setupFlow(t, append([]func(*Config){func(c *Config) {
		c.EncryptionKey = testEncryptionKey
	}}, mutate...)...)

	h, err := NewHandler(env.ctrl, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(h.Close)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &rpFixture{flowEnv: env, handler: h, mux: mux}
}

func (f *rpFixture) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(c)
		}
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeSessionCookie(t *testing.T, c *http.Cookie) Session {
	t.Helper()
	require.NotNil(t, c)
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	require.NoError(t, err)
	var s Session
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

// startLogin calls GET /oauth/login?format=json and returns the URL and the
// rp_sso cookie.
func (f *rpFixture) startLogin(t *testing.T, query string, sso *http.Cookie) (LoginURLResponse, *http.Cookie) {
	t.Helper()
	rr := f.do(httptest.NewRequest(http.MethodGet, PathLogin+"?format=json&"+query, nil), sso)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body LoginURLResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body, findCookie(rr, CookieSSO)
}

func TestServeLogin_Redirect(t *testing.T) {
	f := setupRP(t)

	rr := f.do(httptest.NewRequest(http.MethodGet, PathLogin, nil))
	require.Equal(t, http.StatusFound, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Location"), f.as.URL+"/oauth/authorize?"))
	assert.Equal(t, 1, f.ctrl.Pending().Len())

	rr = f.do(httptest.NewRequest(http.MethodPost, PathLogin, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServeLogin_SilentOnce(t *testing.T) {
	f := setupRP(t)

	rr := f.do(httptest.NewRequest(http.MethodGet, PathLogin+"?prompt=none", nil))
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "prompt=none")

	sso := findCookie(rr, CookieSSO)
	assert.True(t, decodeSessionCookie(t, sso).SilentAttempted)
	assert.True(t, sso.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, sso.SameSite)

	rr = f.do(httptest.NewRequest(http.MethodGet, PathLogin+"?prompt=none", nil), sso)
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, testClientURL+"?sso=skipped", rr.Header().Get("Location"))

	body, _ := f.startLogin(t, "prompt=none", sso)
	assert.Equal(t, "skipped", body.SSO)
	assert.Empty(t, body.AuthorizationURL)
}

func TestServeCallback_BrowserFlow(t *testing.T) {
	f := setupRP(t)

	login, sso := f.startLogin(t, "", nil)
	require.NotEmpty(t, login.State)
	q := f.authorize(t, login.AuthorizationURL, true)

	rr := f.do(httptest.NewRequest(http.MethodGet, PathCallback+"?"+url.Values{
		"code":  {q.Get("code")},
		"state": {q.Get("state")},
	}.Encode(), nil), sso)
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, testClientURL+PathLoginSuccess, rr.Header().Get("Location"))

	session := findCookie(rr, CookieSessionToken)
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)
	refresh := findCookie(rr, CookieRefreshToken)
	require.NotNil(t, refresh)
	assert.NotEmpty(t, refresh.Value)

	// The refresh cookie is sealed and opens with the configured key.
	enc, err := security.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)
	_, err = enc.Open(refresh.Value)
	assert.NoError(t, err)

	rr = f.do(httptest.NewRequest(http.MethodGet, PathMe, nil), session)
	require.Equal(t, http.StatusOK, rr.Code)
	var me struct {
		User User `json:"user"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&me))
	assert.Equal(t, "u1", me.User.ID)
	assert.Equal(t, "ada@example.com", me.User.Email)

	rr = f.do(httptest.NewRequest(http.MethodPost, PathRefresh, nil), refresh)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var refreshed RefreshResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.Equal(t, int64(DefaultSessionTTL.Seconds()), refreshed.ExpiresIn)

	rr = f.do(httptest.NewRequest(http.MethodPost, PathLogout, nil), refresh, sso)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true}`, rr.Body.String())
	assert.True(t, decodeSessionCookie(t, findCookie(rr, CookieSSO)).LoggedOut)
	cleared := findCookie(rr, CookieSessionToken)
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)

	rr = f.do(httptest.NewRequest(http.MethodPost, PathRefresh, nil), refresh)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "refresh token was revoked at logout")
}

func TestServeCallback_BrowserErrors(t *testing.T) {
	f := setupRP(t)

	t.Run("unknown state", func(t *testing.T) {
		rr := f.do(httptest.NewRequest(http.MethodGet, PathCallback+"?code=c&state=forged", nil))
		require.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, testClientURL+"?error=invalid_state", rr.Header().Get("Location"))
		cleared := findCookie(rr, CookieSessionToken)
		require.NotNil(t, cleared)
		assert.Negative(t, cleared.MaxAge)
	})

	t.Run("code and state from another browser", func(t *testing.T) {
		attacker, _ := f.startLogin(t, "", nil)
		q := f.authorize(t, attacker.AuthorizationURL, true)
		_, victimSSO := f.startLogin(t, "", nil)

		rr := f.do(httptest.NewRequest(http.MethodGet, PathCallback+"?"+url.Values{
			"code":  {q.Get("code")},
			"state": {q.Get("state")},
		}.Encode(), nil), victimSSO)
		require.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, testClientURL+"?error=invalid_state", rr.Header().Get("Location"))
		cleared := findCookie(rr, CookieSessionToken)
		require.NotNil(t, cleared)
		assert.Negative(t, cleared.MaxAge)
	})

	t.Run("silent login required", func(t *testing.T) {
		login, sso := f.startLogin(t, "prompt=none", nil)
		q := f.authorize(t, login.AuthorizationURL, false)
		require.Equal(t, "login_required", q.Get("error"))

		rr := f.do(httptest.NewRequest(http.MethodGet, PathCallback+"?"+q.Encode(), nil), sso)
		require.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, testClientURL+"?sso=login_required", rr.Header().Get("Location"))
	})
}

func TestServeCallback_SPA(t *testing.T) {
	f := setupRP(t)

	login, sso := f.startLogin(t, "", nil)
	q := f.authorize(t, login.AuthorizationURL, true)

	body, err := json.Marshal(map[string]string{"code": q.Get("code"), "state": q.Get("state")})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, PathCallback, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rr := f.do(req, sso)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp CallbackResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotNil(t, resp.User)
	assert.Equal(t, "u1", resp.User.ID)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.Equal(t, int64(DefaultSessionTTL.Seconds()), resp.ExpiresIn)
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestServeCallback_SPAErrors(t *testing.T) {
	f := setupRP(t)

	t.Run("verifier mismatch", func(t *testing.T) {
		login, sso := f.startLogin(t, "", nil)
		form := url.Values{"code": {"c"}, "state": {login.State}, "codeVerifier": {"not-the-verifier"}}
		req := httptest.NewRequest(http.MethodPost, PathCallback, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		rr := f.do(req, sso)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		var body errorBody
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, ErrorCodeInvalidState, body.Error)
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, PathCallback, strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")

		rr := f.do(req)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), ErrorCodeInvalidRequest)
	})

	t.Run("method", func(t *testing.T) {
		rr := f.do(httptest.NewRequest(http.MethodDelete, PathCallback, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
		assert.Equal(t, "GET, POST", rr.Header().Get("Allow"))
	})
}

func TestServeCallback_RateLimit(t *testing.T) {
	f := setupRP(t)
	f.handler.SetRateLimiter(security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
	}, slog.New(slog.NewTextHandler(io.Discard, nil))))

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathCallback, strings.NewReader(`{"state":"x","code":"y"}`))
		req.Header.Set("Content-Type", "application/json")
		return f.do(req)
	}

	assert.Equal(t, http.StatusBadRequest, post().Code)
	rr := post()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
}

func TestServeMe_Unauthorized(t *testing.T) {
	f := setupRP(t)

	rr := f.do(httptest.NewRequest(http.MethodGet, PathMe, nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, PathMe, nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServeMe_Bearer(t *testing.T) {
	f := setupRP(t)
	result := f.login(t, &Session{})

	req := httptest.NewRequest(http.MethodGet, PathMe, nil)
	req.Header.Set("Authorization", "Bearer "+result.SessionToken)
	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":"u1"`)
}

func TestServeRefresh_Body(t *testing.T) {
	f := setupRP(t)
	result := f.login(t, &Session{})

	req := httptest.NewRequest(http.MethodPost, PathRefresh, strings.NewReader(`{"refreshToken":"`+result.RefreshToken+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotNil(t, findCookie(rr, CookieSessionToken))

	rr = f.do(httptest.NewRequest(http.MethodPost, PathRefresh, nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "no refresh token anywhere")
}

func TestServeLogout_RevokeFailureStillSucceeds(t *testing.T) {
	f := setupRP(t, func(c *Config) {
		c.Endpoints.RevocationURL = "http://127.0.0.1:1/oauth/revoke"
	})

	req := httptest.NewRequest(http.MethodPost, PathLogout, strings.NewReader(`{"refreshToken":"rt"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true}`, rr.Body.String())
}
