// Package signing authenticates challenge image references so the image
// proxy only ever serves assets that were actually dealt to a challenge.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// SignImage binds an image index to its challenge. The payload is
// "{challengeID}:{index}", the signature is hex-encoded HMAC-SHA256.
func (s *Signer) SignImage(challengeID string, index int) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", challengeID, index)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) VerifyImage(challengeID string, index int, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", challengeID, index)

	return hmac.Equal(provided, mac.Sum(nil))
}
