// Package codec implements the encrypted-at-rest storage format described
// for the Account & Proof Ledger and every quote/swap record: a record is
// serialised to JSON, then sealed with ECIES over X25519 so that a writer
// holding only the recipient's public key (e.g. a server process creating a
// record on a user's behalf) can encrypt without ever being able to decrypt
// other users' data. Adapted from the teacher's internal/crypto/encryption.go
// shape (global Encrypt/Decrypt, nonce-prepended/base64 transport encoding)
// but replacing its AES-256-GCM-with-shared-symmetric-key scheme with
// asymmetric ECIES, since this repo's threat model has many writers and one
// reader per record rather than one shared server secret.
package codec

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// PrivateKeySize and PublicKeySize are the X25519 scalar/point sizes.
	PrivateKeySize = 32
	PublicKeySize  = 32

	hkdfInfo = "agicash-walletcore/codec/v1"
)

// KeyPair is a user's data-encryption keypair. PrivateKey never leaves the
// client; the server only ever holds PublicKey for write-side encryption.
type KeyPair struct {
	PrivateKey [PrivateKeySize]byte
	PublicKey  [PublicKeySize]byte
}

// GenerateKeyPair produces a fresh X25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// sealedEnvelope is the wire format written to storage: the ephemeral public
// key, the AEAD nonce and the sealed ciphertext, each its own JSON field.
type sealedEnvelope struct {
	EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
	Nonce              []byte `json:"nonce"`
	Ciphertext         []byte `json:"ciphertext"`
}

// Encrypt seals value for recipientPublicKey and returns a base64url-encoded
// opaque blob suitable for a TEXT/BYTEA storage column.
func Encrypt(value Record, recipientPublicKey [PublicKeySize]byte) (string, error) {
	if err := value.Validate(); err != nil {
		return "", newViolation(fmt.Sprintf("%T", value), err)
	}
	plaintext, err := marshalTagged(value)
	if err != nil {
		return "", err
	}

	ephemeralPriv, ephemeralPub, err := newEphemeralKeyPair()
	if err != nil {
		return "", err
	}
	aead, err := deriveAEAD(ephemeralPriv, recipientPublicKey, ephemeralPub)
	if err != nil {
		return "", err
	}
	env, err := seal(aead, ephemeralPub, plaintext)
	if err != nil {
		return "", err
	}
	return encodeEnvelope(env)
}

// EncryptBatch seals every value for recipientPublicKey using a single
// shared ephemeral key. This trades a small amount of linkability (an
// observer who compromises one record's ephemeral key learns the others'
// ephemeral key too, though not the recipient's private key) for avoiding
// one X25519 scalar multiplication per record; callers writing many records
// for the same user in one transaction (e.g. a batch of change outputs)
// should use this instead of calling Encrypt in a loop.
func EncryptBatch(values []Record, recipientPublicKey [PublicKeySize]byte) ([]string, error) {
	ephemeralPriv, ephemeralPub, err := newEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	aead, err := deriveAEAD(ephemeralPriv, recipientPublicKey, ephemeralPub)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(values))
	for i, v := range values {
		if err := v.Validate(); err != nil {
			return nil, newViolation(fmt.Sprintf("%T", v), err)
		}
		plaintext, err := marshalTagged(v)
		if err != nil {
			return nil, err
		}
		env, err := seal(aead, ephemeralPub, plaintext)
		if err != nil {
			return nil, err
		}
		encoded, err := encodeEnvelope(env)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return out, nil
}

// Decrypt opens an Encrypt/EncryptBatch-produced blob with the recipient's
// private key and unmarshals it into dst, enforcing dst's schema via
// Validate. A schema failure wraps ErrSchemaViolation and must be treated as
// fatal corruption, never silently healed.
func Decrypt(blob string, recipientPrivateKey [PrivateKeySize]byte, dst Record) error {
	env, err := decodeEnvelope(blob)
	if err != nil {
		return err
	}
	if len(env.EphemeralPublicKey) != PublicKeySize {
		return errors.New("codec: malformed ephemeral public key")
	}
	var ephemeralPub [PublicKeySize]byte
	copy(ephemeralPub[:], env.EphemeralPublicKey)

	aead, err := deriveAEAD(recipientPrivateKey, ephemeralPub, ephemeralPub)
	if err != nil {
		return err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return errors.New("codec: malformed nonce")
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return fmt.Errorf("codec: decryption failed: %w", err)
	}

	if err := unmarshalTagged(plaintext, dst); err != nil {
		return err
	}
	if err := dst.Validate(); err != nil {
		return newViolation(fmt.Sprintf("%T", dst), err)
	}
	return nil
}

func newEphemeralKeyPair() (priv [PrivateKeySize]byte, pub [PublicKeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// deriveAEAD runs X25519 ECDH between localPrivate and remotePublic, then
// HKDF-SHA256 over the shared secret (salted with the ephemeral public key,
// so encrypting the same plaintext twice never derives the same key) to
// produce an XChaCha20-Poly1305 AEAD.
func deriveAEAD(localPrivate, remotePublic, ephemeralPublic [PublicKeySize]byte) (aeadCipher, error) {
	shared, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return nil, fmt.Errorf("codec: ECDH failed: %w", err)
	}

	kdf := hkdf.New(sha256New, shared, ephemeralPublic[:], []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("codec: key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead, nil
}

func seal(aead aeadCipher, ephemeralPub [PublicKeySize]byte, plaintext []byte) (sealedEnvelope, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return sealedEnvelope{}, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return sealedEnvelope{
		EphemeralPublicKey: ephemeralPub[:],
		Nonce:              nonce,
		Ciphertext:         ciphertext,
	}, nil
}

func encodeEnvelope(env sealedEnvelope) (string, error) {
	raw, err := marshalEnvelope(env)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func decodeEnvelope(blob string) (sealedEnvelope, error) {
	raw, err := base64.URLEncoding.DecodeString(blob)
	if err != nil {
		return sealedEnvelope{}, fmt.Errorf("codec: malformed blob: %w", err)
	}
	var env sealedEnvelope
	if err := unmarshalEnvelope(raw, &env); err != nil {
		return sealedEnvelope{}, err
	}
	return env, nil
}

// aeadCipher is the subset of cipher.AEAD this package uses, named locally
// so deriveAEAD's signature does not require importing crypto/cipher solely
// for the interface name.
type aeadCipher interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}
