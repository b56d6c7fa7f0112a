package message

import (
	"crypto/dsa"
	"crypto/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedDSAKey(t *testing.T) *dsa.PrivateKey {
	t.Helper()
	var params dsa.Parameters
	require.NoError(t, dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160))
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
	require.NoError(t, dsa.GenerateKey(priv, rand.Reader))
	return priv
}

func TestPublicKeySignatureVerifiesAndCarriesInteger(t *testing.T) {
	priv := fixedDSAKey(t)

	m := New()
	m.Sender = buildSender(net.IPv4(127, 0, 0, 1), 1, 1)
	_, err := m.AddInteger(42)
	require.NoError(t, err)
	_, err = m.AddPublicKeySignature(&priv.PublicKey, priv)
	require.NoError(t, err)

	buf, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(buf, net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	require.NotNil(t, decoded.PublicKey)
	require.True(t, decoded.PublicKey.Y.Cmp(priv.PublicKey.Y) == 0)

	n, ok := decoded.Integer()
	require.True(t, ok)
	require.Equal(t, int32(42), n)
}

func TestPublicKeySignatureFailsOnBitFlip(t *testing.T) {
	priv := fixedDSAKey(t)

	m := New()
	m.Sender = buildSender(net.IPv4(127, 0, 0, 1), 1, 1)
	_, err := m.AddInteger(42)
	require.NoError(t, err)
	_, err = m.AddPublicKeySignature(&priv.PublicKey, priv)
	require.NoError(t, err)

	buf, err := Encode(m)
	require.NoError(t, err)

	// Flip one byte inside the INTEGER payload, well before the signature
	// trailer, and confirm verification no longer succeeds.
	buf[HeaderSize] ^= 0xFF

	decoded, err := Decode(buf, net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	require.Nil(t, decoded.PublicKey)
}

func TestContentLengthAccountsForSignature(t *testing.T) {
	priv := fixedDSAKey(t)

	m := New()
	m.Sender = buildSender(net.IPv4(127, 0, 0, 1), 1, 1)
	_, err := m.AddPublicKeySignature(&priv.PublicKey, priv)
	require.NoError(t, err)

	buf, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(buf, net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, uint32(len(buf)-HeaderSize), decoded.ContentLength)
	require.True(t, decoded.ContentLength >= signatureSize)
}
