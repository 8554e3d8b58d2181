package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-sso/storage"
	"github.com/giantswarm/oauth-sso/storage/memory"
)

const sample = `
clients:
  - client_id: app-b-client
    client_secret: app-b-secret
    name: App B
    redirect_uris: [http://localhost:5002/oauth/callback]
    allowed_scopes: [openid, profile, email]
    trusted: true
  - client_id: spa-client
    name: SPA
    redirect_uris: [http://localhost:5173/callback]
    require_pkce: false
    active: false
users:
  - id: u1
    name: Ada Lovelace
    email: ada@example.com
    email_verified: true
`

func TestParseAndApply(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, f.Clients, 2)
	require.Len(t, f.Users, 1)

	store := memory.New()
	defer store.Stop()
	ctx := context.Background()
	require.NoError(t, f.Apply(ctx, store, nil))

	conf, err := store.GetClient(ctx, "app-b-client")
	require.NoError(t, err)
	assert.Equal(t, storage.ClientTypeConfidential, conf.ClientType)
	assert.True(t, conf.RequirePKCE, "PKCE is required by default")
	assert.True(t, conf.Active, "clients are active by default")
	assert.True(t, conf.Trusted)
	assert.NotEqual(t, "app-b-secret", conf.ClientSecretHash, "plaintext secrets are hashed")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(conf.ClientSecretHash), []byte("app-b-secret")))

	pub, err := store.GetClient(ctx, "spa-client")
	require.NoError(t, err)
	assert.Equal(t, storage.ClientTypePublic, pub.ClientType)
	assert.False(t, pub.RequirePKCE)
	assert.False(t, pub.Active)
	assert.Empty(t, pub.ClientSecretHash)

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.True(t, user.EmailVerified)
}

func TestApply_KeepsBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	f := &File{Clients: []Client{{
		ClientID:     "svc",
		ClientSecret: string(hash),
		RedirectURIs: []string{"https://svc.example/cb"},
	}}}
	require.NoError(t, f.Validate())

	store := memory.New()
	defer store.Stop()
	require.NoError(t, f.Apply(context.Background(), store, nil))

	c, err := store.GetClient(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, string(hash), c.ClientSecretHash)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "unknown key",
			doc:     "clients:\n  - client_id: a\n    redirect_uri: x\n",
			wantErr: "failed to parse",
		},
		{
			name:    "missing client id",
			doc:     "clients:\n  - redirect_uris: [https://a/cb]\n",
			wantErr: "client_id is required",
		},
		{
			name:    "missing redirect",
			doc:     "clients:\n  - client_id: a\n",
			wantErr: "redirect_uri is required",
		},
		{
			name:    "duplicate client",
			doc:     "clients:\n  - client_id: a\n    redirect_uris: [https://a/cb]\n  - client_id: a\n    redirect_uris: [https://a/cb]\n",
			wantErr: "duplicate client_id",
		},
		{
			name:    "confidential without secret",
			doc:     "clients:\n  - client_id: a\n    client_type: confidential\n    redirect_uris: [https://a/cb]\n",
			wantErr: "need a client_secret",
		},
		{
			name:    "public with secret",
			doc:     "clients:\n  - client_id: a\n    client_type: public\n    client_secret: s\n    redirect_uris: [https://a/cb]\n",
			wantErr: "must not have a client_secret",
		},
		{
			name:    "unknown type",
			doc:     "clients:\n  - client_id: a\n    client_type: machine\n    redirect_uris: [https://a/cb]\n",
			wantErr: "unknown client_type",
		},
		{
			name:    "duplicate user",
			doc:     "users:\n  - id: u1\n  - id: u1\n",
			wantErr: "duplicate id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Clients)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Clients, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read seed file")
}
