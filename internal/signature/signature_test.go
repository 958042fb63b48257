package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03  main.py\n"

func newKeys(t *testing.T, scheme Scheme) (*PrivateKey, *PublicKey) {
	t.Helper()
	kp, err := GenerateKey(scheme, "device-test")
	require.NoError(t, err)
	priv, err := NewPrivateKey(kp.Private)
	require.NoError(t, err)
	t.Cleanup(priv.Destroy)
	pub, err := ParsePublicKey(kp.Public)
	require.NoError(t, err)
	return priv, pub
}

func TestSignVerify_BindsExactBytes(t *testing.T) {
	for _, scheme := range []Scheme{SchemeNote, SchemePEM} {
		t.Run(string(scheme), func(t *testing.T) {
			priv, pub := newKeys(t, scheme)
			assert.Equal(t, scheme, pub.Scheme())

			sig, err := Sign([]byte(manifest), priv)
			require.NoError(t, err)
			assert.NoError(t, Verify([]byte(manifest), sig, pub))

			tampered := []byte(manifest)
			tampered[0] = '6'
			assert.ErrorIs(t, Verify(tampered, sig, pub), ErrInvalidSignature)
		})
	}
}

func TestVerify_WrongKey(t *testing.T) {
	for _, scheme := range []Scheme{SchemeNote, SchemePEM} {
		t.Run(string(scheme), func(t *testing.T) {
			priv, _ := newKeys(t, scheme)
			_, otherPub := newKeys(t, scheme)

			sig, err := Sign([]byte(manifest), priv)
			require.NoError(t, err)
			assert.Error(t, Verify([]byte(manifest), sig, otherPub))
		})
	}
}

func TestVerify_EmptyAndGarbageSignature(t *testing.T) {
	_, pub := newKeys(t, SchemeNote)
	assert.ErrorIs(t, Verify([]byte(manifest), nil, pub), ErrMalformedSignature)
	assert.ErrorIs(t, Verify([]byte(manifest), []byte("not a signature\n"), pub), ErrMalformedSignature)
}

func TestSign_NoteRejectsUnsignableText(t *testing.T) {
	priv, _ := newKeys(t, SchemeNote)
	for name, msg := range map[string]string{
		"tab":          manifest + "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03  report\t2026.txt\n",
		"invalid utf8": manifest + "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03  caf\xe9.txt\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Sign([]byte(msg), priv)
			assert.ErrorIs(t, err, ErrUnsignable)
		})
	}

	// anything note accepts must verify after signing
	priv, pub := newKeys(t, SchemeNote)
	msg := []byte(manifest + "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03  data/café.txt\n")
	sig, err := Sign(msg, priv)
	require.NoError(t, err)
	assert.NoError(t, Verify(msg, sig, pub))
}

func TestSign_EmptyManifest(t *testing.T) {
	priv, pub := newKeys(t, SchemeNote)
	sig, err := Sign(nil, priv)
	require.NoError(t, err)
	assert.NoError(t, Verify(nil, sig, pub))
}

func pemPair(t *testing.T, key crypto.Signer) ([]byte, []byte) {
	t.Helper()
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
}

func TestSignVerify_ECDSAAndRSA(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keys := map[string]crypto.Signer{
		"ecdsa": ecKey,
		"rsa":   rsaKey,
	}
	for name, key := range keys {
		t.Run(name, func(t *testing.T) {
			privPEM, pubPEM := pemPair(t, key)
			priv, err := NewPrivateKey(privPEM)
			require.NoError(t, err)
			defer priv.Destroy()
			pub, err := ParsePublicKey(pubPEM)
			require.NoError(t, err)
			assert.Equal(t, name, pub.Name())

			sig, err := Sign([]byte(manifest), priv)
			require.NoError(t, err)
			assert.NoError(t, Verify([]byte(manifest), sig, pub))
			assert.ErrorIs(t, Verify([]byte(manifest+"x"), sig, pub), ErrInvalidSignature)
		})
	}
}

func TestParsePublicKey_Rejects(t *testing.T) {
	kp, err := GenerateKey(SchemeNote, "device-test")
	require.NoError(t, err)

	_, err = ParsePublicKey(kp.Private)
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = ParsePublicKey([]byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"))
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = ParsePublicKey([]byte("garbage"))
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestSignFileVerifyFile(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.sha256")
	sigPath := manifestPath + ".sig"
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0644))

	priv, pub := newKeys(t, SchemeNote)
	require.NoError(t, SignFile(manifestPath, sigPath, priv))
	assert.NoError(t, VerifyFile([]byte(manifest), sigPath, pub))

	err := VerifyFile([]byte(manifest), filepath.Join(dir, "missing.sig"), pub)
	assert.Error(t, err)
}

func TestDestroyedKeyCannotSign(t *testing.T) {
	kp, err := GenerateKey(SchemeNote, "device-test")
	require.NoError(t, err)
	priv, err := NewPrivateKey(kp.Private)
	require.NoError(t, err)
	priv.Destroy()

	_, err = Sign([]byte(manifest), priv)
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}
