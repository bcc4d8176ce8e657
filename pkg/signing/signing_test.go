package signing

import "testing"

func TestSignAndVerifyImage(t *testing.T) {
	t.Parallel()

	signer := NewSigner("test-secret")

	sig := signer.SignImage("ch_abc123", 4)
	if len(sig) != 64 {
		t.Errorf("signature length %v, expected hex sha256", len(sig))
	}

	if !signer.VerifyImage("ch_abc123", 4, sig) {
		t.Error("valid signature rejected")
	}

	if signer.VerifyImage("ch_abc123", 5, sig) {
		t.Error("signature accepted for a different index")
	}
	if signer.VerifyImage("ch_other", 4, sig) {
		t.Error("signature accepted for a different challenge")
	}
	if signer.VerifyImage("ch_abc123", 4, "not-hex") {
		t.Error("malformed signature accepted")
	}

	other := NewSigner("other-secret")
	if other.VerifyImage("ch_abc123", 4, sig) {
		t.Error("signature accepted across secrets")
	}
}
