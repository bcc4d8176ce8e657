package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/challenge"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
)

const (
	statusPassed   = "passed"
	statusFailed   = "failed"
	statusExpired  = "expired"
	statusExceeded = "exceeded"
)

// checkToken enforces single use. Demo tokens are process-local and
// never hit the relational store; fallback tokens always fail here.
func (s *Server) checkToken(ctx context.Context, key *db.APIKey, tokenID string, kind challenge.Kind, tnow time.Time) (bool, string) {
	if len(tokenID) == 0 {
		return false, "missing_token"
	}

	if strings.HasPrefix(tokenID, demoTokenPrefix) {
		return key.IsDemo, "invalid_token"
	}

	if strings.HasPrefix(tokenID, fallbackTokenPrefix) {
		return false, "invalid_token"
	}

	token, err := s.Business.ConsumeToken(ctx, tokenID, key.ID, tnow)
	if err != nil {
		if err != db.ErrRecordNotFound {
			slog.ErrorContext(ctx, "Failed to consume token", common.ErrAttr(err))
		}
		return false, "invalid_or_expired_token"
	}

	if token.CaptchaType != string(kind) {
		slog.WarnContext(ctx, "Token tier mismatch", "tokenType", token.CaptchaType, "kind", kind)
		return false, "invalid_token"
	}

	return true, ""
}

// fetchChallenge applies the lifecycle half of the verify contract:
// unknown cid is 404, an expired challenge is destroyed and 410.
func (s *Server) fetchChallenge(ctx context.Context, w http.ResponseWriter, cid string, kind challenge.Kind, tnow time.Time) *challenge.Challenge {
	if len(cid) == 0 {
		writeError(ctx, w, http.StatusBadRequest, "missing_challenge_id")
		return nil
	}

	ch, err := s.Challenges.Get(ctx, cid)
	if err != nil {
		if err == challenge.ErrNotFound {
			writeError(ctx, w, http.StatusNotFound, "not_found")
		} else {
			slog.ErrorContext(ctx, "Failed to read challenge", common.ErrAttr(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return nil
	}

	if ch.Kind != kind {
		writeError(ctx, w, http.StatusBadRequest, "wrong_challenge_type")
		return nil
	}

	if ch.Expired(tnow, s.Challenges.TTL) {
		_ = s.Challenges.Delete(ctx, ch.ID)
		writeError(ctx, w, http.StatusGone, statusExpired)
		return nil
	}

	return ch
}

// finishVerify settles the attempt: bump the counter, destroy the
// challenge on pass or on reaching the ceiling, account and log.
func (s *Server) finishVerify(ctx context.Context, w http.ResponseWriter, key *db.APIKey,
	ch *challenge.Challenge, success bool, tnow time.Time) {
	if err := s.Challenges.IncrementAttempts(ctx, ch); err != nil && err != challenge.ErrNotFound {
		slog.ErrorContext(ctx, "Failed to increment challenge attempts", common.ErrAttr(err))
	}

	status := statusFailed
	if success {
		status = statusPassed
	}

	if success || ch.Attempts >= challenge.MaxAttempts(ch.Kind) {
		if !success {
			status = statusExceeded
		}
		if err := s.Challenges.Delete(ctx, ch.ID); err != nil {
			slog.WarnContext(ctx, "Failed to delete settled challenge", common.ErrAttr(err))
		}
	}

	if success && !key.IsDemo {
		if err := s.Business.IncrementUsage(ctx, key.ID, string(ch.Kind), tnow); err != nil {
			slog.ErrorContext(ctx, "Failed to increment key usage", common.ErrAttr(err))
		}
	}

	s.enqueueVerifyLog(ctx, key, ch, success, status, tnow)
	s.Metrics.ObserveChallengeVerified(string(ch.Kind), success)

	common.SendJSONResponse(ctx, w, &verifyOutput{Success: success, Attempts: ch.Attempts}, common.NoCacheHeaders)
}

func (s *Server) enqueueVerifyLog(ctx context.Context, key *db.APIKey, ch *challenge.Challenge,
	success bool, status string, tnow time.Time) {
	record := &common.VerifyRecord{
		Timestamp:   tnow,
		APIKeyID:    key.ID,
		UserID:      key.UserID,
		ChallengeID: ch.ID,
		Kind:        string(ch.Kind),
		Success:     success,
		Attempts:    int32(ch.Attempts),
		Status:      status,
	}

	select {
	case s.VerifyLogChan <- record:
	default:
		slog.Log(ctx, common.LevelTrace, "Verify log channel full, dropping record")
	}
}

func (s *Server) selectionVerify(w http.ResponseWriter, r *http.Request, kind challenge.Kind) {
	ctx := r.Context()
	tnow := time.Now().UTC()

	key := apiKeyFromContext(ctx)
	if key == nil || !secretVerified(ctx) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var input selectionVerifyInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ch := s.fetchChallenge(ctx, w, input.ChallengeID, kind, tnow)
	if ch == nil {
		return
	}

	// lifecycle checks run first: a stale or mistyped challenge id must
	// not burn the single-use token
	if ok, code := s.checkToken(ctx, key, input.CaptchaToken, kind, tnow); !ok {
		writeError(ctx, w, http.StatusBadRequest, code)
		return
	}

	if kind == challenge.KindAbstract && len(input.Signatures) > 0 {
		if len(input.Signatures) != len(input.Selections) {
			writeError(ctx, w, http.StatusBadRequest, "invalid_signature")
			return
		}
		for i, sig := range input.Signatures {
			if !s.Signer.VerifyImage(ch.ID, input.Selections[i], sig) {
				writeError(ctx, w, http.StatusBadRequest, "invalid_signature")
				return
			}
		}
	}

	var success bool
	switch kind {
	case challenge.KindAbstract:
		success = challenge.AdjudicateAbstract(ch, input.Selections)
	case challenge.KindImageGrid:
		success = challenge.AdjudicateGrid(ch, input.Selections)
	}

	s.finishVerify(ctx, w, key, ch, success, tnow)
}

func (s *Server) abstractVerifyHandler(w http.ResponseWriter, r *http.Request) {
	s.selectionVerify(w, r, challenge.KindAbstract)
}

func (s *Server) gridVerifyHandler(w http.ResponseWriter, r *http.Request) {
	s.selectionVerify(w, r, challenge.KindImageGrid)
}

// decodeDrawing accepts raw base64 with or without a data-URL prefix.
func decodeDrawing(encoded string) ([]byte, error) {
	if idx := strings.IndexByte(encoded, ','); idx >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
	}

	return data, err
}

func (s *Server) handwritingVerifyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnow := time.Now().UTC()

	key := apiKeyFromContext(ctx)
	if key == nil || !secretVerified(ctx) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var input handwritingVerifyInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	image, err := decodeDrawing(input.ImageBase64)
	if err != nil || len(image) == 0 {
		writeError(ctx, w, http.StatusBadRequest, "invalid_image")
		return
	}

	ch := s.fetchChallenge(ctx, w, input.ChallengeID, challenge.KindHandwriting, tnow)
	if ch == nil {
		return
	}

	// token consumption only after the challenge is known to be live
	if ok, code := s.checkToken(ctx, key, input.CaptchaToken, challenge.KindHandwriting, tnow); !ok {
		writeError(ctx, w, http.StatusBadRequest, code)
		return
	}

	success, text, err := challenge.AdjudicateHandwriting(ctx, s.OCR, ch, image)
	if err != nil {
		// scoring degrades, verification does not
		slog.ErrorContext(ctx, "OCR adjudication failed", common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	slog.Log(ctx, common.LevelTrace, "Handwriting adjudicated", "cid", ch.ID, "text", text, "success", success)

	s.finishVerify(ctx, w, key, ch, success, tnow)
}

// tokenVerifyHandler is the generic endpoint for integrations that only
// need the single-use token check, without a challenge payload.
func (s *Server) tokenVerifyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnow := time.Now().UTC()

	key := apiKeyFromContext(ctx)
	if key == nil || !secretVerified(ctx) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var input tokenVerifyInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(input.CaptchaToken) == 0 {
		writeError(ctx, w, http.StatusBadRequest, "missing_token")
		return
	}

	output := &tokenVerifyOutput{Timestamp: tnow.Format(time.RFC3339)}

	switch {
	case strings.HasPrefix(input.CaptchaToken, demoTokenPrefix):
		output.Success = key.IsDemo
		if output.Success {
			output.Message = "demo token accepted"
		} else {
			output.Message = "invalid token"
		}
	case strings.HasPrefix(input.CaptchaToken, fallbackTokenPrefix):
		output.Message = "invalid token"
	default:
		_, err := s.Business.ConsumeToken(ctx, input.CaptchaToken, key.ID, tnow)
		switch {
		case err == nil:
			output.Success = true
			output.Message = "token verified"
		case err == db.ErrRecordNotFound:
			output.Message = "invalid or expired token"
		default:
			slog.ErrorContext(ctx, "Failed to consume token", common.ErrAttr(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	common.SendJSONResponse(ctx, w, output, common.NoCacheHeaders)
}
