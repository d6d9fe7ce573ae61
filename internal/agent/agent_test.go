package agent

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClaimPath = "http://devstore.rerum.io/v1/agent"

var testSecret = []byte("agent-package-test-secret")

func signedToken(t *testing.T, build func(*jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder()
	build(b)
	tok, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, testSecret))
	require.NoError(t, err)
	return string(signed)
}

func TestExtract_ValidToken_ReturnsAgent(t *testing.T) {
	e := NewExtractor(testSecret, testClaimPath, "")
	token := signedToken(t, func(b *jwt.Builder) {
		b.Claim(testClaimPath, "https://store.rerum.io/v1/agent/abc")
	})

	res, err := e.Extract(token)
	require.NoError(t, err)
	assert.Equal(t, "https://store.rerum.io/v1/agent/abc", res.Agent)
	assert.False(t, res.IsBot)
}

func TestExtract_EmptyToken_IsUnauthenticated(t *testing.T) {
	e := NewExtractor(testSecret, testClaimPath, "")
	_, err := e.Extract("")
	assert.Error(t, err)
}

func TestExtract_MissingClaim_IsUnauthenticated(t *testing.T) {
	e := NewExtractor(testSecret, testClaimPath, "")
	token := signedToken(t, func(b *jwt.Builder) {
		b.Claim("some-other-claim", "value")
	})

	_, err := e.Extract(token)
	assert.Error(t, err)
}

func TestExtract_ExpiredToken_IsUnauthenticated(t *testing.T) {
	e := NewExtractor(testSecret, testClaimPath, "")
	token := signedToken(t, func(b *jwt.Builder) {
		b.Claim(testClaimPath, "https://store.rerum.io/v1/agent/abc")
		b.Expiration(time.Now().Add(-time.Hour))
	})

	_, err := e.Extract(token)
	assert.Error(t, err)
}

func TestExtract_ExpiredToken_BotOverrideBypassesRejection(t *testing.T) {
	e := NewExtractor(testSecret, testClaimPath, "https://store.rerum.io/v1/agent/bot")
	token := signedToken(t, func(b *jwt.Builder) {
		b.Claim(testClaimPath, "https://store.rerum.io/v1/agent/bot")
		b.Expiration(time.Now().Add(-time.Hour))
	})

	res, err := e.Extract(token)
	require.NoError(t, err)
	assert.True(t, res.IsBot)
	assert.True(t, res.Expired)
}

func TestIsAuthorizedAgent(t *testing.T) {
	e := NewExtractor(testSecret, testClaimPath, "https://store.rerum.io/v1/agent/bot")

	assert.True(t, e.IsAuthorizedAgent("agent-1", "agent-1"))
	assert.False(t, e.IsAuthorizedAgent("agent-1", "agent-2"))
	assert.True(t, e.IsAuthorizedAgent("https://store.rerum.io/v1/agent/bot", "agent-2"))
}
