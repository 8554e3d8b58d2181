package relyingparty

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth-sso/internal/util"
)

// discoveryDocument is the subset of the OpenID Connect discovery document
// the relying party reads.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
}

// DiscoverEndpoints fetches issuer's /.well-known/openid-configuration and
// returns its endpoints. The document's issuer must equal issuer and every
// endpoint must be HTTPS, except on loopback hosts.
//
// Example:
//
//	eps, err := relyingparty.DiscoverEndpoints(ctx, nil, "https://sso.example.com")
//	if err != nil {
//	    return fmt.Errorf("discovery failed: %w", err)
//	}
//	cfg.Endpoints = eps
func DiscoverEndpoints(ctx context.Context, httpClient *http.Client, issuer string) (Endpoints, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultExchangeTimeout}
	}
	issuer = strings.TrimSuffix(issuer, "/")
	if err := validateEndpointURL("issuer", issuer); err != nil {
		return Endpoints{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return Endpoints{}, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return Endpoints{}, fmt.Errorf("failed to fetch OIDC discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Endpoints{}, fmt.Errorf("OIDC discovery failed with status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Endpoints{}, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if strings.TrimSuffix(doc.Issuer, "/") != issuer {
		return Endpoints{}, fmt.Errorf("discovery issuer %q does not match %q", doc.Issuer, issuer)
	}

	required := []struct {
		name string
		url  string
	}{
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"userinfo_endpoint", doc.UserInfoEndpoint},
	}
	for _, endpoint := range required {
		if endpoint.url == "" {
			return Endpoints{}, fmt.Errorf("%s is required but missing", endpoint.name)
		}
		if err := validateEndpointURL(endpoint.name, endpoint.url); err != nil {
			return Endpoints{}, err
		}
	}
	if doc.RevocationEndpoint != "" {
		if err := validateEndpointURL("revocation_endpoint", doc.RevocationEndpoint); err != nil {
			return Endpoints{}, err
		}
	}

	return Endpoints{
		AuthorizationURL: doc.AuthorizationEndpoint,
		TokenURL:         doc.TokenEndpoint,
		UserInfoURL:      doc.UserInfoEndpoint,
		RevocationURL:    doc.RevocationEndpoint,
	}, nil
}

func validateEndpointURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL: %q", name, raw)
	}
	switch {
	case u.Scheme == "https":
		return nil
	case u.Scheme == "http" && util.IsLoopbackHostname(u.Hostname()):
		return nil
	default:
		return fmt.Errorf("%s must use HTTPS: %s", name, raw)
	}
}
