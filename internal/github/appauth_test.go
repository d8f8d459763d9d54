package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrivateKeyPEM(t *testing.T) []byte {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func TestAppTokenSourceMintsInstallationToken(t *testing.T) {
	var sawBearer string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/app/installations/77/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		sawBearer = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		expiry := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, `{"token": "ghs_installation", "expires_at": %q}`, expiry)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	source, err := NewAppTokenSource(context.Background(), AppAuth{
		AppID:          12345,
		InstallationID: 77,
		PrivateKey:     testPrivateKeyPEM(t),
	}, server.URL+"/")
	require.NoError(t, err)

	token, err := source.Token()
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation", token.AccessToken)
	assert.True(t, token.Expiry.After(time.Now()))
	assert.True(t, strings.HasPrefix(sawBearer, "Bearer "), "app JWT must be sent as bearer")

	// Cached until expiry: no second mint.
	again, err := source.Token()
	require.NoError(t, err)
	assert.Equal(t, token.AccessToken, again.AccessToken)
}

func TestAppTokenSourceRejectsBadKey(t *testing.T) {
	_, err := NewAppTokenSource(context.Background(), AppAuth{
		AppID:          1,
		InstallationID: 2,
		PrivateKey:     []byte("not a pem"),
	}, "")
	assert.Error(t, err)
}
