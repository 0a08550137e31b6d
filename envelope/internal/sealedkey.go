package internal

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/awnumar/memguard/core"

	"github.com/cipherlayer/envelope/securememory"
)

type sealedKeyError string

func (e sealedKeyError) Error() string { return string(e) }

// ErrSealedKeyClosed is returned by Open on a SealedKey that has already
// been closed.
const ErrSealedKeyClosed sealedKeyError = "sealed key has already been destroyed"

// ErrSealedKeyOpen is returned by Open when a view is already checked out.
const ErrSealedKeyOpen sealedKeyError = "sealed key already has an open view"

// SealedKey holds AEAD ciphertext of a plaintext key, wrapped under its
// Coffer's master key, while the key sits in process memory between uses.
// Open decrypts into a fresh Secret allocated by the coffer's
// SecretFactory (a Secure Buffer by default); Reseal re-encrypts the
// (possibly modified) contents under the current master key and closes
// the Secret.
type SealedKey struct {
	coffer *Coffer

	mu         sync.Mutex
	ciphertext []byte
	open       bool
	closed     bool
}

// Seal encrypts plaintext under coffer's current master key and returns a
// new SealedKey. plaintext is wiped after sealing.
func Seal(coffer *Coffer, plaintext []byte) (*SealedKey, error) {
	sk := &SealedKey{coffer: coffer}

	if err := coffer.withMasterKey(func(mk []byte) error {
		ct, err := sealAESGCM(plaintext, mk)
		if err != nil {
			return err
		}

		sk.ciphertext = ct

		return nil
	}); err != nil {
		return nil, err
	}

	core.Wipe(plaintext)

	coffer.register(sk)

	return sk, nil
}

// Open decrypts the sealed ciphertext into a fresh Secret, allocated by the
// coffer's SecretFactory, and returns it. The caller owns the returned
// Secret and MUST call Reseal (or close it directly when it will never be
// reused) when done.
func (sk *SealedKey) Open() (securememory.Secret, error) {
	sk.mu.Lock()

	if sk.closed {
		sk.mu.Unlock()
		return nil, errors.WithStack(ErrSealedKeyClosed)
	}

	if sk.open {
		sk.mu.Unlock()
		return nil, errors.WithStack(ErrSealedKeyOpen)
	}

	sk.open = true
	ct := sk.ciphertext

	sk.mu.Unlock()

	var secret securememory.Secret

	err := sk.coffer.withMasterKey(func(mk []byte) error {
		pt, err := openAESGCM(ct, mk)
		if err != nil {
			return err
		}

		s, err := sk.coffer.factory.New(pt)
		if err != nil {
			return err
		}

		secret = s

		return nil
	})

	if err != nil {
		sk.mu.Lock()
		sk.open = false
		sk.mu.Unlock()

		return nil, err
	}

	return secret, nil
}

// Reseal re-encrypts the contents of secret under the current master key,
// replacing the sealed ciphertext, then closes secret.
func (sk *SealedKey) Reseal(secret securememory.Secret) error {
	var ct []byte

	err := secret.WithBytes(func(data []byte) error {
		return sk.coffer.withMasterKey(func(mk []byte) error {
			sealed, sealErr := sealAESGCM(data, mk)
			if sealErr != nil {
				return sealErr
			}

			ct = sealed

			return nil
		})
	})

	if closeErr := secret.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	sk.mu.Lock()
	defer sk.mu.Unlock()

	if err == nil {
		sk.ciphertext = ct
	}

	sk.open = false

	return err
}

// hasOpenView reports whether a view is currently checked out via Open.
func (sk *SealedKey) hasOpenView() bool {
	sk.mu.Lock()
	defer sk.mu.Unlock()

	return sk.open
}

// rewrap decrypts the sealed key under oldMaster and re-encrypts it under
// newMaster. It is only ever called by Coffer.Rekey while holding the
// coffer's exclusive lock, so it bypasses the open/closed bookkeeping used
// by Open/Reseal.
func (sk *SealedKey) rewrap(oldMaster, newMaster securememory.Secret) error {
	sk.mu.Lock()
	defer sk.mu.Unlock()

	var pt []byte

	if err := oldMaster.WithBytes(func(mk []byte) error {
		decrypted, err := openAESGCM(sk.ciphertext, mk)
		pt = decrypted

		return err
	}); err != nil {
		return err
	}

	defer core.Wipe(pt)

	return newMaster.WithBytes(func(mk []byte) error {
		ct, err := sealAESGCM(pt, mk)
		if err != nil {
			return err
		}

		sk.ciphertext = ct

		return nil
	})
}

// Close permanently destroys the sealed key, wiping its ciphertext and
// removing it from its coffer's rekey registry. It is safe to call
// multiple times.
func (sk *SealedKey) Close() {
	sk.mu.Lock()

	if sk.closed {
		sk.mu.Unlock()
		return
	}

	sk.closed = true
	core.Wipe(sk.ciphertext)
	sk.ciphertext = nil

	sk.mu.Unlock()

	sk.coffer.unregister(sk)
}

// IsClosed returns true if Close has been called.
func (sk *SealedKey) IsClosed() bool {
	sk.mu.Lock()
	defer sk.mu.Unlock()

	return sk.closed
}
