package internal

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"
)

// sealAESGCM and openAESGCM provide the AES-256-GCM sealing used by Coffer
// and SealedKey to keep plaintext keys wrapped while they sit in process
// memory. The layout mirrors pkg/crypto/aead exactly (12-byte random nonce
// prepended, 16-byte tag trailing the ciphertext) but is kept private to
// this package to avoid an import cycle with the top-level envelope
// package, which pkg/crypto/aead depends on for the AEAD interface type.
const (
	sealNonceSize = 12
	sealTagSize   = 16
)

func sealAESGCM(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	out := make([]byte, sealNonceSize, sealNonceSize+len(plaintext)+sealTagSize)

	FillRandom(out[:sealNonceSize])

	return gcm.Seal(out, out[:sealNonceSize], plaintext, nil), nil
}

func openAESGCM(data, key []byte) ([]byte, error) {
	if len(data) < sealNonceSize+sealTagSize {
		return nil, errors.New("sealed data is shorter than nonce+tag")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := data[:sealNonceSize]
	ciphertext := data[sealNonceSize:]

	pt, err := gcm.Open(nil, nonce, ciphertext, nil)

	return pt, errors.Wrap(err, "error opening sealed data")
}
