package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidPublicKey is returned when the supplied public key is not valid
// hex or does not decode to exactly 32 bytes.
var ErrInvalidPublicKey = errors.New("invalid public key")

// ErrInvalidSignature is returned when the supplied signature is not valid
// hex or does not decode to exactly 64 bytes.
var ErrInvalidSignature = errors.New("invalid signature")

// VerifySignature checks an Ed25519 signature over the raw bytes of message.
// Both signature and public key are fixed-width hex strings. Malformed input
// is reported as a typed error rather than a silent false: callers must be
// able to distinguish "the signature does not match" from "the request was
// garbage".
func VerifySignature(message, signatureHex, publicKeyHex string) (bool, error) {
	publicKey, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(publicKey))
	}
	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidSignature, ed25519.SignatureSize, len(signature))
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), []byte(message), signature), nil
}
