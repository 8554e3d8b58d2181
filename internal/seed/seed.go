// Package seed loads client registrations and users from a YAML file into a
// store. Registration is out of band: the authorization server itself never
// writes clients.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-sso/server"
	"github.com/giantswarm/oauth-sso/storage"
)

// File is the seed document.
//
//	clients:
//	  - client_id: app-b-client
//	    client_secret: change-me
//	    name: App B
//	    redirect_uris: [http://localhost:5002/oauth/callback]
//	    allowed_scopes: [openid, profile, email]
//	    trusted: true
//	users:
//	  - id: u1
//	    name: Ada Lovelace
//	    email: ada@example.com
//	    email_verified: true
type File struct {
	Clients []Client       `yaml:"clients"`
	Users   []storage.User `yaml:"users"`
}

// Client is one registration. ClientSecret may be plaintext or a bcrypt
// hash; plaintext is hashed before it is stored.
type Client struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	ClientType    string   `yaml:"client_type"`
	Name          string   `yaml:"name"`
	RedirectURIs  []string `yaml:"redirect_uris"`
	GrantTypes    []string `yaml:"grant_types"`
	AllowedScopes []string `yaml:"allowed_scopes"`

	// RequirePKCE defaults to true
	RequirePKCE *bool `yaml:"require_pkce"`

	Trusted bool `yaml:"trusted"`

	// Active defaults to true
	Active *bool `yaml:"active"`
}

// Store is what Apply writes to.
type Store interface {
	storage.ClientStore
	storage.UserStore
}

// Load reads and validates the seed file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a seed document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every entry and rejects duplicate ids.
func (f *File) Validate() error {
	clientIDs := make(map[string]bool, len(f.Clients))
	for i, c := range f.Clients {
		if c.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if clientIDs[c.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate client_id %q", i, c.ClientID)
		}
		clientIDs[c.ClientID] = true

		if len(c.RedirectURIs) == 0 {
			return fmt.Errorf("client %q: at least one redirect_uri is required", c.ClientID)
		}
		switch c.clientType() {
		case storage.ClientTypeConfidential:
			if c.ClientSecret == "" {
				return fmt.Errorf("client %q: confidential clients need a client_secret", c.ClientID)
			}
		case storage.ClientTypePublic:
			if c.ClientSecret != "" {
				return fmt.Errorf("client %q: public clients must not have a client_secret", c.ClientID)
			}
		default:
			return fmt.Errorf("client %q: unknown client_type %q", c.ClientID, c.ClientType)
		}
	}

	userIDs := make(map[string]bool, len(f.Users))
	for i, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
		if userIDs[u.ID] {
			return fmt.Errorf("users[%d]: duplicate id %q", i, u.ID)
		}
		userIDs[u.ID] = true
	}
	return nil
}

// Apply saves every client and user to store.
func (f *File) Apply(ctx context.Context, store Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for _, c := range f.Clients {
		client, err := c.toStorage()
		if err != nil {
			return fmt.Errorf("client %q: %w", c.ClientID, err)
		}
		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("failed to save client %q: %w", c.ClientID, err)
		}
		logger.Info("Registered client",
			"client_id", client.ClientID,
			"client_type", client.ClientType,
			"trusted", client.Trusted,
			"require_pkce", client.RequirePKCE)
	}

	for i := range f.Users {
		if err := store.SaveUser(ctx, &f.Users[i]); err != nil {
			return fmt.Errorf("failed to save user %q: %w", f.Users[i].ID, err)
		}
	}
	logger.Info("Seeded users", "count", len(f.Users))
	return nil
}

func (c *Client) clientType() string {
	if c.ClientType != "" {
		return c.ClientType
	}
	if c.ClientSecret != "" {
		return storage.ClientTypeConfidential
	}
	return storage.ClientTypePublic
}

func (c *Client) toStorage() (*storage.Client, error) {
	out := &storage.Client{
		ClientID:      c.ClientID,
		ClientType:    c.clientType(),
		Name:          c.Name,
		RedirectURIs:  c.RedirectURIs,
		GrantTypes:    c.GrantTypes,
		AllowedScopes: c.AllowedScopes,
		RequirePKCE:   c.RequirePKCE == nil || *c.RequirePKCE,
		Trusted:       c.Trusted,
		Active:        c.Active == nil || *c.Active,
	}
	if c.ClientSecret == "" {
		return out, nil
	}

	if isBcryptHash(c.ClientSecret) {
		out.ClientSecretHash = c.ClientSecret
		return out, nil
	}
	hash, err := server.HashClientSecret(c.ClientSecret)
	if err != nil {
		return nil, err
	}
	out.ClientSecretHash = hash
	return out, nil
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}
