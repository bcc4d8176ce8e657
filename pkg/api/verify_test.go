package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/challenge"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
)

func (f *fakeBusiness) usageCount(apiKeyID int32) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.usage[apiKeyID]
}

func postVerify(s *Server, handler http.HandlerFunc, key *db.APIKey, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/verify", strings.NewReader(body))
	r = r.WithContext(authedContext(key, "10.0.0.1", true))
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func decodeVerify(t *testing.T, w *httptest.ResponseRecorder) *verifyOutput {
	t.Helper()

	if w.Code != http.StatusOK {
		t.Fatalf("status %v, body %v", w.Code, w.Body.String())
	}

	output := &verifyOutput{}
	if err := json.Unmarshal(w.Body.Bytes(), output); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	return output
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *errorResponse {
	t.Helper()

	output := &errorResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), output); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}

	return output
}

func seedGridChallenge(t *testing.T, s *Server) *challenge.Challenge {
	t.Helper()

	ch := &challenge.Challenge{
		ID:           "ch_" + t.Name(),
		Kind:         challenge.KindImageGrid,
		CreatedAt:    time.Now().UTC(),
		Question:     "Select all cells containing a cat",
		TargetLabel:  "cat",
		CorrectCells: []int{2, 5},
	}

	if err := s.Challenges.Create(context.Background(), ch); err != nil {
		t.Fatalf("failed to seed challenge: %v", err)
	}

	return ch
}

func seedToken(t *testing.T, business *fakeBusiness, key *db.APIKey, captchaType string) string {
	t.Helper()

	token := &db.Token{
		ID:          newTokenID(),
		APIKeyID:    key.ID,
		CaptchaType: captchaType,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(DefaultTokenTTL),
	}

	if err := business.CreateToken(context.Background(), token); err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}

	return token.ID
}

func gridVerifyBody(token, cid string, selections []int) string {
	input := &selectionVerifyInput{CaptchaToken: token, ChallengeID: cid, Selections: selections}
	data, _ := json.Marshal(input)
	return string(data)
}

func TestGridVerifySuccess(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()
	ch := seedGridChallenge(t, server)
	token := seedToken(t, business, key, string(challenge.KindImageGrid))

	// selection order and duplicates do not matter
	output := decodeVerify(t, postVerify(server, server.gridVerifyHandler, key,
		gridVerifyBody(token, ch.ID, []int{5, 2, 5})))

	if !output.Success || output.Attempts != 1 {
		t.Errorf("unexpected output %+v", output)
	}
	if business.usageCount(key.ID) != 1 {
		t.Error("usage not counted")
	}

	// a passed challenge is gone
	if _, err := server.Challenges.Get(context.Background(), ch.ID); err != challenge.ErrNotFound {
		t.Errorf("challenge still present: %v", err)
	}

	select {
	case record := <-server.VerifyLogChan:
		if !record.Success || record.Status != statusPassed {
			t.Errorf("verify record %+v", record)
		}
	default:
		t.Error("expected a verify record")
	}
}

func TestGridVerifyTokenSingleUse(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()
	ch := seedGridChallenge(t, server)
	token := seedToken(t, business, key, string(challenge.KindImageGrid))

	// a failed attempt leaves the challenge alive but spends the token
	decodeVerify(t, postVerify(server, server.gridVerifyHandler, key,
		gridVerifyBody(token, ch.ID, []int{8})))

	w := postVerify(server, server.gridVerifyHandler, key, gridVerifyBody(token, ch.ID, []int{2, 5}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %v", w.Code)
	}
	if e := decodeError(t, w); e.Error != "invalid_or_expired_token" {
		t.Errorf("error %q", e.Error)
	}
}

func TestGridVerifyUnknownChallengeKeepsToken(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()
	token := seedToken(t, business, key, string(challenge.KindImageGrid))

	w := postVerify(server, server.gridVerifyHandler, key,
		gridVerifyBody(token, "ch_missing", []int{2, 5}))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %v", w.Code)
	}

	// the retry with the right challenge id still has its token
	ch := seedGridChallenge(t, server)
	output := decodeVerify(t, postVerify(server, server.gridVerifyHandler, key,
		gridVerifyBody(token, ch.ID, []int{2, 5})))
	if !output.Success {
		t.Errorf("unexpected output %+v", output)
	}
}

func TestGridVerifyWrongSelection(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()
	ch := seedGridChallenge(t, server)
	token := seedToken(t, business, key, string(challenge.KindImageGrid))

	output := decodeVerify(t, postVerify(server, server.gridVerifyHandler, key,
		gridVerifyBody(token, ch.ID, []int{1})))

	// a wrong answer is a successful HTTP exchange
	if output.Success || output.Attempts != 1 {
		t.Errorf("unexpected output %+v", output)
	}
	if business.usageCount(key.ID) != 0 {
		t.Error("failed verify counted as usage")
	}

	// one attempt remains before the ceiling
	if _, err := server.Challenges.Get(context.Background(), ch.ID); err != nil {
		t.Errorf("challenge should survive the first failure: %v", err)
	}
}

func TestGridVerifyAttemptCeiling(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()
	ch := seedGridChallenge(t, server)

	for attempt := 1; attempt <= challenge.MaxAttempts(challenge.KindImageGrid); attempt++ {
		token := seedToken(t, business, key, string(challenge.KindImageGrid))
		output := decodeVerify(t, postVerify(server, server.gridVerifyHandler, key,
			gridVerifyBody(token, ch.ID, []int{8})))

		if output.Success || output.Attempts != attempt {
			t.Fatalf("attempt %v: unexpected output %+v", attempt, output)
		}
	}

	// the ceiling destroys the challenge, a fresh token cannot revive it
	token := seedToken(t, business, key, string(challenge.KindImageGrid))
	w := postVerify(server, server.gridVerifyHandler, key, gridVerifyBody(token, ch.ID, []int{2, 5}))
	if w.Code != http.StatusNotFound {
		t.Errorf("status %v", w.Code)
	}
}

func TestGridVerifyExpiredChallenge(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()

	ch := seedGridChallenge(t, server)
	ch.CreatedAt = time.Now().UTC().Add(-2 * server.Challenges.TTL)
	if err := server.Challenges.Create(context.Background(), ch); err != nil {
		t.Fatal(err)
	}

	token := seedToken(t, business, key, string(challenge.KindImageGrid))
	w := postVerify(server, server.gridVerifyHandler, key, gridVerifyBody(token, ch.ID, []int{2, 5}))

	if w.Code != http.StatusGone {
		t.Fatalf("status %v", w.Code)
	}
	if _, err := server.Challenges.Get(context.Background(), ch.ID); err != challenge.ErrNotFound {
		t.Errorf("expired challenge not destroyed: %v", err)
	}

	// an expired challenge does not burn the token either
	fresh := seedGridChallenge(t, server)
	output := decodeVerify(t, postVerify(server, server.gridVerifyHandler, key,
		gridVerifyBody(token, fresh.ID, []int{2, 5})))
	if !output.Success {
		t.Errorf("unexpected output %+v", output)
	}
}

func TestGridVerifyTokenKindMismatch(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()
	ch := seedGridChallenge(t, server)
	token := seedToken(t, business, key, string(challenge.KindAbstract))

	w := postVerify(server, server.gridVerifyHandler, key, gridVerifyBody(token, ch.ID, []int{2, 5}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %v", w.Code)
	}
	if e := decodeError(t, w); e.Error != "invalid_token" {
		t.Errorf("error %q", e.Error)
	}
}

func TestAbstractVerifySignatures(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()

	ch := &challenge.Challenge{
		ID:        "ch_abstract_sig",
		Kind:      challenge.KindAbstract,
		CreatedAt: time.Now().UTC(),
		Question:  "Select every picture that can fly",
		Images: []challenge.ImageRef{
			{ID: 0, Positive: true},
			{ID: 1},
			{ID: 2, Positive: true},
		},
	}
	if err := server.Challenges.Create(context.Background(), ch); err != nil {
		t.Fatal(err)
	}

	token := seedToken(t, business, key, string(challenge.KindAbstract))
	input := &selectionVerifyInput{
		CaptchaToken: token,
		ChallengeID:  ch.ID,
		Selections:   []int{0, 2},
		Signatures:   []string{server.Signer.SignImage(ch.ID, 0), "tampered"},
	}
	data, _ := json.Marshal(input)

	w := postVerify(server, server.abstractVerifyHandler, key, string(data))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %v", w.Code)
	}
	if e := decodeError(t, w); e.Error != "invalid_signature" {
		t.Errorf("error %q", e.Error)
	}

	// valid signatures pass through to adjudication
	token = seedToken(t, business, key, string(challenge.KindAbstract))
	input.CaptchaToken = token
	input.Signatures = []string{server.Signer.SignImage(ch.ID, 0), server.Signer.SignImage(ch.ID, 2)}
	data, _ = json.Marshal(input)

	output := decodeVerify(t, postVerify(server, server.abstractVerifyHandler, key, string(data)))
	if !output.Success {
		t.Errorf("unexpected output %+v", output)
	}
}

func seedHandwritingChallenge(t *testing.T, s *Server) *challenge.Challenge {
	t.Helper()

	ch := &challenge.Challenge{
		ID:            "ch_" + t.Name(),
		Kind:          challenge.KindHandwriting,
		CreatedAt:     time.Now().UTC(),
		Samples:       []string{"https://cdn.example.com/samples/goldfish_1.png"},
		TargetClass:   "금붕어",
		AnswerClasses: []string{"금붕어", "물고기"},
	}

	if err := s.Challenges.Create(context.Background(), ch); err != nil {
		t.Fatalf("failed to seed challenge: %v", err)
	}

	return ch
}

func handwritingBody(token, cid string, image []byte) string {
	input := &handwritingVerifyInput{
		CaptchaToken: token,
		ChallengeID:  cid,
		ImageBase64:  "data:image/png;base64," + base64.StdEncoding.EncodeToString(image),
	}
	data, _ := json.Marshal(input)
	return string(data)
}

func TestHandwritingVerifyAnswerClasses(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	server.OCR = &fakeOCR{text: "물고기"}
	key := testAPIKey()
	ch := seedHandwritingChallenge(t, server)
	token := seedToken(t, business, key, string(challenge.KindHandwriting))

	// any configured answer class is accepted, not only the target
	output := decodeVerify(t, postVerify(server, server.handwritingVerifyHandler, key,
		handwritingBody(token, ch.ID, []byte{0x89, 0x50, 0x4e, 0x47})))

	if !output.Success || output.Attempts != 1 {
		t.Errorf("unexpected output %+v", output)
	}
	if _, err := server.Challenges.Get(context.Background(), ch.ID); err != challenge.ErrNotFound {
		t.Errorf("challenge still present: %v", err)
	}
}

func TestHandwritingVerifyWrongText(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	server.OCR = &fakeOCR{text: "나비"}
	key := testAPIKey()
	ch := seedHandwritingChallenge(t, server)
	token := seedToken(t, business, key, string(challenge.KindHandwriting))

	output := decodeVerify(t, postVerify(server, server.handwritingVerifyHandler, key,
		handwritingBody(token, ch.ID, []byte{0x89, 0x50, 0x4e, 0x47})))

	if output.Success {
		t.Errorf("unexpected output %+v", output)
	}

	// handwriting allows a single attempt
	if _, err := server.Challenges.Get(context.Background(), ch.ID); err != challenge.ErrNotFound {
		t.Errorf("challenge should be destroyed after one failure: %v", err)
	}
}

func TestHandwritingVerifyModelFailure(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	server.OCR = &fakeOCR{err: context.DeadlineExceeded}
	key := testAPIKey()
	ch := seedHandwritingChallenge(t, server)
	token := seedToken(t, business, key, string(challenge.KindHandwriting))

	w := postVerify(server, server.handwritingVerifyHandler, key,
		handwritingBody(token, ch.ID, []byte{0x89}))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status %v", w.Code)
	}
	// the attempt is not spent on infrastructure failure
	if _, err := server.Challenges.Get(context.Background(), ch.ID); err != nil {
		t.Errorf("challenge should survive: %v", err)
	}
}

func TestDemoTokenAcceptedForDemoKey(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()
	key.IsDemo = true
	ch := seedGridChallenge(t, server)

	output := decodeVerify(t, postVerify(server, server.gridVerifyHandler, key,
		gridVerifyBody(demoTokenPrefix+"abc", ch.ID, []int{2, 5})))

	if !output.Success {
		t.Errorf("unexpected output %+v", output)
	}
	// demo traffic never reaches the usage counters
	if business.usageCount(key.ID) != 0 {
		t.Error("demo verify counted as usage")
	}
}

func TestDemoTokenRejectedForRealKey(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()
	ch := seedGridChallenge(t, server)

	w := postVerify(server, server.gridVerifyHandler, key,
		gridVerifyBody(demoTokenPrefix+"abc", ch.ID, []int{2, 5}))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status %v", w.Code)
	}
}

func TestTokenVerifyEndpoint(t *testing.T) {
	t.Parallel()

	business := newFakeBusiness()
	server := newTestServer(business, &fakeScorer{}, false)
	key := testAPIKey()
	token := seedToken(t, business, key, string(challenge.KindImageGrid))

	body := `{"captcha_token":"` + token + `"}`
	w := postVerify(server, server.tokenVerifyHandler, key, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %v, body %v", w.Code, w.Body.String())
	}

	output := &tokenVerifyOutput{}
	if err := json.Unmarshal(w.Body.Bytes(), output); err != nil {
		t.Fatal(err)
	}
	if !output.Success {
		t.Errorf("unexpected output %+v", output)
	}

	// second redemption of the same token fails softly
	w = postVerify(server, server.tokenVerifyHandler, key, body)
	output = &tokenVerifyOutput{}
	if err := json.Unmarshal(w.Body.Bytes(), output); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || output.Success {
		t.Errorf("status %v, output %+v", w.Code, output)
	}

	// fallback tokens are never redeemable
	w = postVerify(server, server.tokenVerifyHandler, key,
		`{"captcha_token":"`+fallbackTokenPrefix+`abc"}`)
	output = &tokenVerifyOutput{}
	if err := json.Unmarshal(w.Body.Bytes(), output); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || output.Success {
		t.Errorf("status %v, output %+v", w.Code, output)
	}
}

func TestDecodeDrawing(t *testing.T) {
	t.Parallel()

	raw := []byte("drawing-bytes")
	plain := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		encoded string
		ok      bool
	}{
		{encoded: plain, ok: true},
		{encoded: "data:image/png;base64," + plain, ok: true},
		{encoded: base64.RawStdEncoding.EncodeToString(raw), ok: true},
		{encoded: "%%%not-base64%%%"},
	}

	for _, tc := range tests {
		data, err := decodeDrawing(tc.encoded)
		if tc.ok {
			if err != nil || string(data) != string(raw) {
				t.Errorf("decode %q: %v", tc.encoded, err)
			}
		} else if err == nil {
			t.Errorf("decode %q: expected error", tc.encoded)
		}
	}
}
