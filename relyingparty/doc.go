// Package relyingparty implements the client side of the authorization code
// flow with PKCE against the authorization server in this module, including
// silent single sign-on.
//
// A Controller owns the protocol steps. It builds authorization URLs with
// golang.org/x/oauth2, redeems codes, checks the ID token when configured,
// reads userinfo and mints a local session token:
//
//	ctrl, err := relyingparty.New(cfg, nil, nil, logger)
//	if err != nil {
//	    return err
//	}
//	ctrl.Pending().Start()
//	defer ctrl.Pending().Stop()
//
// Pending authorizations are kept in process, keyed by state, and taken
// exactly once. The Session that started a login carries a hash of its
// state, so a callback is only accepted in the browser that began it. A
// callback whose state is unknown, expired, already used or bound to another
// browser is rejected before any request reaches the authorization server.
//
// # Silent SSO
//
// A Session carries two flags per browser. SilentAttempted limits each
// browser to one prompt=none attempt, and LoggedOut keeps silent SSO off after
// an explicit logout until the next explicit login. A silent attempt that
// comes back with login_required yields ErrLoginRequired, which is not a
// failure.
//
// # HTTP surface
//
// Handler exposes the controller as /oauth/login, /oauth/callback (GET for
// the browser redirect, POST for SPAs), /oauth/refresh, /oauth/logout and
// /api/me, keeping state in the rp_token, rp_refresh_token and rp_sso
// cookies.
package relyingparty
