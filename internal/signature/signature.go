// Package signature signs and verifies manifest bytes with a detached
// signature. Signing happens offline; the runtime only ever verifies.
package signature

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/mod/sumdb/note"

	"github.com/blackwell-systems/trustmonitor/internal/fsutil"
)

var (
	// ErrInvalidSignature means the signature does not match the message.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedSignature means the signature file could not be decoded.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrUnsupportedKey means the key encoding or algorithm is not supported.
	ErrUnsupportedKey = errors.New("unsupported key")
	// ErrUnsignable means the message cannot be carried by the key's
	// signature format.
	ErrUnsignable = errors.New("message cannot be signed")
)

// Verify checks sig against the exact message bytes. It returns nil only
// for a valid signature.
func Verify(message, sig []byte, pub *PublicKey) error {
	if pub == nil {
		return fmt.Errorf("%w: nil public key", ErrUnsupportedKey)
	}
	if len(sig) == 0 {
		return fmt.Errorf("%w: empty signature", ErrMalformedSignature)
	}

	switch pub.scheme {
	case SchemeNote:
		return verifyNote(message, sig, pub.verifier)
	case SchemePEM:
		return verifyPEM(message, sig, pub.key)
	}
	return fmt.Errorf("%w: scheme %q", ErrUnsupportedKey, pub.scheme)
}

// Sign produces the detached signature for message.
func Sign(message []byte, priv *PrivateKey) ([]byte, error) {
	if priv == nil || priv.buf == nil || !priv.buf.IsAlive() {
		return nil, fmt.Errorf("%w: private key unavailable", ErrUnsupportedKey)
	}

	switch priv.scheme {
	case SchemeNote:
		if err := checkNoteText(message); err != nil {
			return nil, err
		}
		signer, err := note.NewSigner(string(priv.buf.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		msg, err := note.Sign(&note.Note{Text: noteText(message)}, signer)
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		// keep only the signature block after the blank line
		return msg[len(noteText(message))+1:], nil

	case SchemePEM:
		signer, err := priv.cryptoSigner()
		if err != nil {
			return nil, err
		}
		if _, ok := signer.(ed25519.PrivateKey); ok {
			return signer.Sign(rand.Reader, message, crypto.Hash(0))
		}
		digest := sha256.Sum256(message)
		return signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
	return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedKey, priv.scheme)
}

// VerifyFile is the runtime entry point: it reads the signature file and
// checks it against message.
func VerifyFile(message []byte, sigPath string, pub *PublicKey) error {
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("failed to read signature: %w", err)
	}
	return Verify(message, sig, pub)
}

// SignFile signs the manifest at manifestPath and writes sigPath atomically.
func SignFile(manifestPath, sigPath string, priv *PrivateKey) error {
	message, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	sig, err := Sign(message, priv)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(sigPath, sig, 0644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	return nil
}

// noteText maps the manifest to note text. Notes must end in a newline and
// cannot be empty, so an empty manifest signs as a single newline.
func noteText(message []byte) string {
	if len(message) == 0 {
		return "\n"
	}
	return string(message)
}

// checkNoteText rejects messages note.Open would refuse as malformed, so a
// manifest is never signed in a form that cannot verify.
func checkNoteText(message []byte) error {
	for i := 0; i < len(message); {
		r, size := utf8.DecodeRune(message[i:])
		if r == utf8.RuneError && size == 1 {
			return fmt.Errorf("%w: invalid UTF-8 at byte %d", ErrUnsignable, i)
		}
		if r < 0x20 && r != '\n' {
			return fmt.Errorf("%w: control character %U at byte %d", ErrUnsignable, r, i)
		}
		i += size
	}
	return nil
}

func verifyNote(message, sig []byte, v note.Verifier) error {
	text := noteText(message)
	if !bytes.HasSuffix([]byte(text), []byte("\n")) {
		return fmt.Errorf("%w: manifest does not end in a newline", ErrInvalidSignature)
	}
	msg := make([]byte, 0, len(text)+1+len(sig))
	msg = append(msg, text...)
	msg = append(msg, '\n')
	msg = append(msg, sig...)

	n, err := note.Open(msg, note.VerifierList(v))
	if err != nil {
		var invalid *note.InvalidSignatureError
		var unverified *note.UnverifiedNoteError
		switch {
		case errors.As(err, &invalid), errors.As(err, &unverified):
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
		}
	}
	if n.Text != text {
		return fmt.Errorf("%w: signed text differs from manifest", ErrInvalidSignature)
	}
	return nil
}

func verifyPEM(message, sig []byte, key crypto.PublicKey) error {
	switch k := key.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(k, message, sig) {
			return ErrInvalidSignature
		}
		return nil
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(k, digest[:], sig) {
			return ErrInvalidSignature
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
}
