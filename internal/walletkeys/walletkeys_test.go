package walletkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestProvider_DeterministicPerUser(t *testing.T) {
	p, err := NewFromMnemonic(testMnemonic)
	require.NoError(t, err)

	ctx := context.Background()
	pub1, err := p.PublicKey(ctx, "user-1")
	require.NoError(t, err)
	pub1Again, err := p.PublicKey(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, pub1, pub1Again)

	pub2, err := p.PublicKey(ctx, "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, pub1, pub2)
}

func TestProvider_PublicKeyMatchesPrivateKey(t *testing.T) {
	p, err := NewFromMnemonic(testMnemonic)
	require.NoError(t, err)

	ctx := context.Background()
	pub, err := p.PublicKey(ctx, "user-1")
	require.NoError(t, err)
	priv, err := p.PrivateKey(ctx, "user-1")
	require.NoError(t, err)

	derived, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	assert.Equal(t, pub[:], derived)
}

func TestNewFromMnemonic_RejectsInvalid(t *testing.T) {
	_, err := NewFromMnemonic("not a valid mnemonic")
	assert.Error(t, err)
}
