// Package hostkey provides the host-key collaborator for the key exchange:
// signing the exchange hash on the responder side and verifying it on the
// initiator side. Keys and signatures use the SSH wire formats from
// golang.org/x/crypto/ssh; ed25519 is the only generated key type.
package hostkey

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ErrKeyMismatch is returned by a pinned verifier when the presented public
// key blob differs from the pinned one.
var ErrKeyMismatch = errors.New("hostkey: presented key does not match pinned key")

// Key implements the host-key contract. On the responder side it wraps a
// signer; on the initiator side it starts empty (or pinned) and is populated
// by DecodePublicKey from the Reply's blob.
type Key struct {
	signer ssh.Signer
	pub    ssh.PublicKey
	pinned []byte
}

// Generate creates a fresh ed25519 host key, returning the raw private key
// for persistence alongside the ready-to-use handle.
func Generate() (*Key, ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hostkey: generating ed25519 key: %w", err)
	}
	key, err := FromEd25519(priv)
	if err != nil {
		return nil, nil, err
	}
	return key, priv, nil
}

// FromEd25519 wraps an existing ed25519 private key.
func FromEd25519(priv ed25519.PrivateKey) (*Key, error) {
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("hostkey: wrapping private key: %w", err)
	}
	return &Key{signer: signer, pub: signer.PublicKey()}, nil
}

// NewVerifier returns a verification-only handle that accepts whatever
// public key DecodePublicKey is given.
func NewVerifier() *Key {
	return &Key{}
}

// NewPinnedVerifier returns a verification-only handle that rejects any
// public key blob other than the pinned one.
func NewPinnedVerifier(blob []byte) (*Key, error) {
	if _, err := ssh.ParsePublicKey(blob); err != nil {
		return nil, fmt.Errorf("hostkey: parsing pinned key: %w", err)
	}
	return &Key{pinned: append([]byte(nil), blob...)}, nil
}

// Algorithm returns the key algorithm name, or "" before a key is known.
func (k *Key) Algorithm() string {
	if k.pub != nil {
		return k.pub.Type()
	}
	return ""
}

// Sign signs data with the private host key.
func (k *Key) Sign(data []byte) ([]byte, error) {
	if k.signer == nil {
		return nil, errors.New("hostkey: no private key available for signing")
	}
	sig, err := k.signer.Sign(rand.Reader, data)
	if err != nil {
		return nil, fmt.Errorf("hostkey: signing: %w", err)
	}
	return ssh.Marshal(sig), nil
}

// Verify checks a wire-format signature over data against the public key.
func (k *Key) Verify(sigBlob, data []byte) error {
	if k.pub == nil {
		return errors.New("hostkey: no public key available for verification")
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(sigBlob, &sig); err != nil {
		return fmt.Errorf("hostkey: parsing signature: %w", err)
	}
	if err := k.pub.Verify(data, &sig); err != nil {
		return fmt.Errorf("hostkey: %w", err)
	}
	return nil
}

// EncodePublicKey returns the public key wire blob, or nil before a key is
// known.
func (k *Key) EncodePublicKey() []byte {
	if k.pub == nil {
		return nil
	}
	return k.pub.Marshal()
}

// DecodePublicKey loads the public key from its wire blob, enforcing the pin
// when one is set.
func (k *Key) DecodePublicKey(blob []byte) error {
	if k.pinned != nil && !bytes.Equal(blob, k.pinned) {
		return ErrKeyMismatch
	}
	pub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return fmt.Errorf("hostkey: parsing public key: %w", err)
	}
	k.pub = pub
	return nil
}
