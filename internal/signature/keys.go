package signature

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/mod/sumdb/note"
)

// Scheme identifies the key encoding and signature format.
type Scheme string

const (
	// SchemeNote is a golang.org/x/mod/sumdb/note Ed25519 key; the .sig file
	// holds the note signature block.
	SchemeNote Scheme = "note"
	// SchemePEM is a PKIX/PKCS#8 key (Ed25519, ECDSA or RSA); the .sig file
	// holds the raw signature bytes as produced by openssl.
	SchemePEM Scheme = "pem"
)

const notePrivatePrefix = "PRIVATE+KEY+"

// PublicKey is the read-only half used by the runtime.
type PublicKey struct {
	scheme   Scheme
	verifier note.Verifier
	key      crypto.PublicKey
}

// Scheme returns the key's scheme.
func (k *PublicKey) Scheme() Scheme {
	return k.scheme
}

// Name describes the key for logs.
func (k *PublicKey) Name() string {
	if k.scheme == SchemeNote {
		return k.verifier.Name()
	}
	switch k.key.(type) {
	case ed25519.PublicKey:
		return "ed25519"
	case *ecdsa.PublicKey:
		return "ecdsa"
	case *rsa.PublicKey:
		return "rsa"
	}
	return "unknown"
}

// LoadPublicKey reads and parses a public key file.
func LoadPublicKey(path string) (*PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return ParsePublicKey(data)
}

// ParsePublicKey detects the scheme from the encoding.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		block, _ := pem.Decode(trimmed)
		if block == nil {
			return nil, fmt.Errorf("%w: bad PEM block", ErrUnsupportedKey)
		}
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupportedKey, block.Type)
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		switch key.(type) {
		case ed25519.PublicKey, *ecdsa.PublicKey, *rsa.PublicKey:
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
		}
		return &PublicKey{scheme: SchemePEM, key: key}, nil
	}

	if bytes.HasPrefix(trimmed, []byte(notePrivatePrefix)) {
		return nil, fmt.Errorf("%w: private key given where a public key is expected", ErrUnsupportedKey)
	}
	v, err := note.NewVerifier(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return &PublicKey{scheme: SchemeNote, verifier: v}, nil
}

// PrivateKey keeps the encoded key in locked memory until Destroy.
type PrivateKey struct {
	scheme Scheme
	buf    *memguard.LockedBuffer
}

// LoadPrivateKey reads a private key file into locked memory. The caller
// must Destroy it.
func LoadPrivateKey(path string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return NewPrivateKey(data)
}

// NewPrivateKey moves data into locked memory. data is wiped.
func NewPrivateKey(data []byte) (*PrivateKey, error) {
	scheme := SchemeNote
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte("-----BEGIN")):
		scheme = SchemePEM
	case bytes.HasPrefix(trimmed, []byte(notePrivatePrefix)):
	default:
		memguard.WipeBytes(data)
		return nil, fmt.Errorf("%w: unrecognized private key encoding", ErrUnsupportedKey)
	}
	buf := memguard.NewBufferFromBytes(trimmed)
	memguard.WipeBytes(data)
	return &PrivateKey{scheme: scheme, buf: buf}, nil
}

// Scheme returns the key's scheme.
func (k *PrivateKey) Scheme() Scheme {
	return k.scheme
}

// Destroy wipes and releases the locked memory.
func (k *PrivateKey) Destroy() {
	if k.buf != nil {
		k.buf.Destroy()
	}
}

// cryptoSigner parses a PEM private key.
func (k *PrivateKey) cryptoSigner() (crypto.Signer, error) {
	block, _ := pem.Decode(k.buf.Bytes())
	if block == nil {
		return nil, fmt.Errorf("%w: bad PEM block", ErrUnsupportedKey)
	}
	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupportedKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	return signer, nil
}

// KeyPair is freshly generated key material in its file encodings.
type KeyPair struct {
	Scheme  Scheme
	Private []byte
	Public  []byte
}

// GenerateKey creates a new key pair. name is the note key name and is
// ignored for PEM keys.
func GenerateKey(scheme Scheme, name string) (*KeyPair, error) {
	switch scheme {
	case SchemeNote:
		skey, vkey, err := note.GenerateKey(rand.Reader, name)
		if err != nil {
			return nil, fmt.Errorf("failed to generate note key: %w", err)
		}
		return &KeyPair{Scheme: scheme, Private: []byte(skey + "\n"), Public: []byte(vkey + "\n")}, nil

	case SchemePEM:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		privDER, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, err
		}
		pubDER, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, err
		}
		return &KeyPair{
			Scheme:  scheme,
			Private: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
			Public:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		}, nil
	}
	return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedKey, scheme)
}

// ParseScheme accepts "note" or "pem".
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(s)) {
	case SchemeNote:
		return SchemeNote, nil
	case SchemePEM:
		return SchemePEM, nil
	}
	return "", fmt.Errorf("unknown key scheme %q (want note or pem)", s)
}
