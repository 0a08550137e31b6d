package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CryptoKey represents an unencrypted key whose plaintext lives, between
// uses, only as ciphertext sealed under a Coffer master key (see
// SealedKey). Each accessor call opens the sealed key into a Secure
// Buffer, exposes the plaintext for the duration of the callback, then
// reseals it.
type CryptoKey struct {
	created int64
	sealed  *SealedKey
	once    sync.Once
	revoked uint32
}

// Created returns the time the CryptoKey was created as a Unix epoch in seconds.
func (k *CryptoKey) Created() int64 {
	return k.created
}

// Revoked returns whether the CryptoKey has been marked as revoked or not.
func (k *CryptoKey) Revoked() bool {
	return atomic.LoadUint32(&k.revoked) == 1
}

// SetRevoked atomically sets the revoked flag of the CryptoKey to the given value.
func (k *CryptoKey) SetRevoked(revoked bool) {
	var revokedInt uint32
	if revoked {
		revokedInt = 1
	}

	atomic.StoreUint32(&k.revoked, revokedInt)
}

// Close destroys the underlying sealed key for this CryptoKey.
func (k *CryptoKey) Close() {
	k.once.Do(k.close)
}

// close destroys the underlying sealed key for this CryptoKey.
func (k *CryptoKey) close() {
	// k.sealed is nil when the key is created for test.
	if k.sealed == nil {
		return
	}

	k.sealed.Close()
}

// IsClosed returns true if the underlying sealed key has been closed.
func (k *CryptoKey) IsClosed() bool {
	if k.sealed == nil {
		return false
	}

	return k.sealed.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){sealed(%p)}", k, k.sealed)
}

// WithBytes implements BytesAccessor. It opens the sealed key into a Secure
// Buffer, makes the plaintext available to action, and reseals the buffer
// on every exit path.
func (k *CryptoKey) WithBytes(action func([]byte) error) (err error) {
	buf, err := k.sealed.Open()
	if err != nil {
		return err
	}

	actionErr := buf.WithBytes(action)
	resealErr := k.sealed.Reseal(buf)

	if actionErr != nil {
		return actionErr
	}

	return resealErr
}

// WithBytesFunc implements BytesFuncAccessor. It opens the sealed key into a
// Secure Buffer, makes the plaintext available to action, and reseals the
// buffer on every exit path.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	buf, err := k.sealed.Open()
	if err != nil {
		return nil, err
	}

	var ret []byte

	actionErr := buf.WithBytes(func(b []byte) error {
		r, err := action(b)
		ret = r

		return err
	})

	resealErr := k.sealed.Reseal(buf)

	if actionErr != nil {
		return nil, actionErr
	}

	if resealErr != nil {
		return nil, resealErr
	}

	return ret, nil
}

// NewCryptoKey seals key under coffer and returns a CryptoKey wrapping it.
// Note that the underlying array will be wiped as part of sealing.
func NewCryptoKey(coffer *Coffer, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	var revokedInt uint32
	if revoked {
		revokedInt = 1
	}

	sealed, err := Seal(coffer, key)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{
		created: created,
		revoked: revokedInt,
		sealed:  sealed,
	}, nil
}

// NewCryptoKeyForTest creates a CryptoKey intended to be used for TEST only.
// TODO: explore refactoring dependent tests to eliminate the need for this function.
func NewCryptoKeyForTest(created int64, revoked bool) *CryptoKey {
	var revokedInt uint32
	if revoked {
		revokedInt = 1
	}

	return &CryptoKey{
		created: created,
		revoked: revokedInt,
		sealed:  nil,
	}
}

// GenerateKey creates a new random CryptoKey of the given size, sealed under coffer.
func GenerateKey(coffer *Coffer, created int64, size int) (*CryptoKey, error) {
	return NewCryptoKey(coffer, created, false, GetRandBytes(size))
}

type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey takes in BytesAccessor, e.g., a CryptoKey, makes the underlying bytes readable, and passes them to the
// function provided. A reference MUST not be stored to the provided bytes. The underlying array will be wiped after
// the function exits.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc takes in a BytesFuncAccessor, e.g., a CryptoKey, makes the underlying bytes readable, and passes them to
// the function provided. A reference MUST not be stored to the provided bytes. The underlying array will be wiped after
// the function exits.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

type Revokable interface {
	// Revoked returns true if the key is revoked.
	Revoked() bool

	// Created returns the time the CryptoKey was created as a Unix epoch in seconds.
	Created() int64
}

// IsKeyInvalid checks if the key is revoked or expired.
func IsKeyInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsKeyExpired(key.Created(), expireAfter)
}

// IsKeyExpired checks if the key's created timestamp is older than the
// allowed duration.
func IsKeyExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}
