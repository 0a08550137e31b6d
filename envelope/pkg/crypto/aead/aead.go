package aead

import (
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/cipherlayer/envelope/envelope/internal"
)

// gcmNonceSize is the length, in bytes, of the random nonce prepended to
// every ciphertext produced by this package.
const gcmNonceSize = 12

// gcmTagSize is the length, in bytes, of the GCM authentication tag
// trailing the ciphertext.
const gcmTagSize = 16

// gcmMaxDataSize is the largest plaintext, in bytes, that can be sealed in
// a single GCM invocation without reusing a nonce/counter pair.
const gcmMaxDataSize = ((uint64(1) << 32) - 2) * 16

// gcmMinCiphertextSize is the smallest value Decrypt will accept: a nonce
// plus an (empty-plaintext) tag.
const gcmMinCiphertextSize = gcmNonceSize + gcmTagSize

type cryptoFunc func(key []byte) (cipher.AEAD, error)

// Encrypt encrypts data using the provided key bytes. The output layout is
// [nonce][ciphertext][tag]: a random gcmNonceSize-byte nonce prepended to
// the sealed data, with the GCM tag trailing the ciphertext as usual.
func (c cryptoFunc) Encrypt(data, encKey []byte) ([]byte, error) {
	aeadCipher, err := c(encKey)
	if err != nil {
		return nil, err
	}

	if uint64(len(data)) > gcmMaxDataSize {
		return nil, errors.New("data too large for GCM")
	}

	if gcmTagSize != aeadCipher.Overhead() {
		return nil, errors.New("unexpected cipher overhead")
	}

	if gcmNonceSize != aeadCipher.NonceSize() {
		return nil, errors.New("unexpected cipher nonce size")
	}

	out := make([]byte, gcmNonceSize, gcmNonceSize+len(data)+gcmTagSize)

	internal.FillRandom(out)

	return aeadCipher.Seal(out, out, data, nil), nil
}

// Decrypt decrypts data using the provided key. data is expected to be
// laid out as [nonce][ciphertext][tag], matching Encrypt's output.
func (c cryptoFunc) Decrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) < gcmMinCiphertextSize {
		return nil, errors.New("data length is shorter than nonce+tag size")
	}

	nonce := data[:gcmNonceSize]
	ciphertext := data[gcmNonceSize:]

	// Unfortunately we can't reuse ciphertext's storage here (ie the data slice)
	// as we don't control the its lifecycle. For instance, in the case of DEKs
	// and KEKs this storage is wiped immediately after calling this function.
	d, err := aeadCipher.Open(nil, nonce, ciphertext, nil)

	return d, errors.Wrap(err, "error decrypting data")
}
