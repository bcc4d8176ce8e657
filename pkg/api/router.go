package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/ratelimit"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/session"
)

const tokenEntropyBytes = 32

func newTokenID() string {
	return common.RandomToken(tokenEntropyBytes)
}

// mintToken issues the credential binding this session to the resolved
// tier. Demo keys never touch the relational store; a mint failure
// degrades to a fallback token the verifier will reject, so the widget
// flow stays alive.
func (s *Server) mintToken(ctx context.Context, key *db.APIKey, captchaType string, tnow time.Time) string {
	if key.IsDemo {
		return demoTokenPrefix + xid.New().String()
	}

	token := &db.Token{
		ID:          newTokenID(),
		APIKeyID:    key.ID,
		UserID:      key.UserID,
		CaptchaType: captchaType,
		CreatedAt:   tnow,
		ExpiresAt:   tnow.Add(s.TokenTTL),
	}

	if err := s.Business.CreateToken(ctx, token); err != nil {
		slog.ErrorContext(ctx, "Failed to mint captcha token", common.ErrAttr(err))
		return fallbackTokenPrefix + xid.New().String()
	}

	return token.ID
}

func (s *Server) checkIPWindows(ctx context.Context, key *db.APIKey, ip string, tnow time.Time) *ratelimit.Decision {
	limiter := &ratelimit.WindowLimiter{
		Store:    s.KV,
		Scope:    ratelimit.ScopeIP,
		Windows:  s.IPWindows,
		FailOpen: s.FailOpen,
	}

	decision := limiter.Check(ctx, ip, tnow)
	if !decision.Allowed && s.Registry != nil {
		s.Registry.RecordViolation(ctx, ip, key.PublicKey, "rate_limited:"+decision.Window)
	}

	return decision
}

func (s *Server) checkKeyWindows(ctx context.Context, key *db.APIKey, tnow time.Time) *ratelimit.Decision {
	limiter := &ratelimit.WindowLimiter{
		Store:    s.KV,
		Scope:    ratelimit.ScopeKey,
		Windows:  s.PlanDefaults.ForAPIKey(key).Windows(),
		FailOpen: s.FailOpen,
	}

	return limiter.Check(ctx, key.PublicKey, tnow)
}

func writeRateLimited(ctx context.Context, w http.ResponseWriter, decision *ratelimit.Decision) {
	retryAfter := int(decision.RetryAfter.Seconds())
	if retryAfter > 0 {
		w.Header()[common.HeaderRetryAfter] = []string{strconv.Itoa(retryAfter)}
	}

	common.SendJSONStatus(ctx, w, http.StatusTooManyRequests,
		&errorResponse{Error: "rate_limited", RetryAfter: retryAfter})
}

func blockedResponse(sess *session.Session) *nextCaptchaOutput {
	return &nextCaptchaOutput{
		CaptchaType:      common.TierBlocked,
		NextCaptcha:      nil,
		SessionID:        sess.ID,
		IsBlocked:        true,
		Attempts:         sess.Attempts,
		LowScoreAttempts: sess.BotAttempts,
	}
}

func (s *Server) nextCaptchaHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnow := time.Now().UTC()
	ip := clientIPFromContext(ctx)
	key := apiKeyFromContext(ctx)
	if key == nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	// hard-block gate first: a blocked (key, ip) pair gets nothing, not
	// even a score call. Gate errors fail open, gate matches never do.
	if blocked, err := s.Business.IsIPBlocked(ctx, key.PublicKey, ip); err == nil && blocked {
		slog.WarnContext(ctx, "Rejecting request from blocked IP", "ip", ip, "publicKey", key.PublicKey)
		writeError(ctx, w, http.StatusForbidden, "forbidden")
		return
	} else if err != nil {
		slog.ErrorContext(ctx, "IP gate check failed", common.ErrAttr(err))
	}

	if decision := s.checkIPWindows(ctx, key, ip, tnow); !decision.Allowed {
		writeRateLimited(ctx, w, decision)
		return
	}

	// demo traffic does not consume plan quota
	if !key.IsDemo {
		if decision := s.checkKeyWindows(ctx, key, tnow); !decision.Allowed {
			writeRateLimited(ctx, w, decision)
			return
		}
	}

	var input nextCaptchaInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		slog.Log(ctx, common.LevelTrace, "Failed to decode next-captcha input", common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sess, err := s.Sessions.Upsert(ctx, input.SessionID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to upsert session", common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if sess.IsBlocked {
		common.SendJSONResponse(ctx, w, blockedResponse(sess), common.NoCacheHeaders)
		return
	}

	mobile := s.Mobile.IsMobile(r.UserAgent())

	botScore := resolveScore(ctx, s.Model, mobile, input.BehaviorData)

	if !mobile && len(input.BehaviorData) > 0 {
		s.enqueueBehavior(ctx, input.BehaviorData, botScore)
	}

	suspicious := !mobile && botScore < suspicionThreshold
	if err := s.Sessions.RecordAttempt(ctx, sess, suspicious); err != nil {
		slog.ErrorContext(ctx, "Failed to record session attempt", common.ErrAttr(err))
	}

	if sess.IsBlocked {
		s.Metrics.ObserveTierDecision(common.TierBlocked)
		common.SendJSONResponse(ctx, w, blockedResponse(sess), common.NoCacheHeaders)
		return
	}

	decision := tier(botScore, mobile, sess)

	var token string
	if !decision.Suspicious {
		token = s.mintToken(ctx, key, decision.CaptchaType, tnow)
	}

	s.enqueueRequestLog(ctx, key, ip, sess, decision, botScore, mobile, tnow)
	s.Metrics.ObserveTierDecision(decision.CaptchaType)

	output := &nextCaptchaOutput{
		ConfidenceScore:  botScore,
		CaptchaType:      decision.CaptchaType,
		NextCaptcha:      decision.NextCaptcha,
		CaptchaToken:     token,
		SessionID:        sess.ID,
		IsBlocked:        false,
		Attempts:         sess.Attempts,
		LowScoreAttempts: sess.BotAttempts,
	}

	common.SendJSONResponse(ctx, w, output, common.NoCacheHeaders)
}

// resolveScore asks the model for a confidence score; mobile traffic
// skips the round trip entirely since it always passes.
func resolveScore(ctx context.Context, model BotScorer, mobile bool, behaviorData json.RawMessage) float64 {
	if mobile {
		return 100
	}

	result := model.PredictBot(ctx, behaviorData)
	if result.Degraded {
		slog.WarnContext(ctx, "Model scoring degraded to default", "score", result.ConfidenceScore)
	}

	return result.ConfidenceScore
}

func (s *Server) enqueueBehavior(ctx context.Context, behaviorData json.RawMessage, botScore float64) {
	record := &common.BehaviorRecord{
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		BehaviorData:  string(behaviorData),
		Score:         botScore,
	}

	select {
	case s.BehaviorChan <- record:
	default:
		slog.Log(ctx, common.LevelTrace, "Behavior channel full, dropping sample")
	}
}

func (s *Server) enqueueRequestLog(ctx context.Context, key *db.APIKey, ip string,
	sess *session.Session, decision tierDecision, botScore float64, mobile bool, tnow time.Time) {
	record := &common.RequestRecord{
		Timestamp:   tnow,
		APIKeyID:    key.ID,
		UserID:      key.UserID,
		ClientIP:    ip,
		Tier:        decision.CaptchaType,
		Score:       botScore,
		Mobile:      mobile,
		SessionID:   sess.ID,
		IsBlocked:   sess.IsBlocked,
		Attempts:    sess.Attempts,
		BotAttempts: sess.BotAttempts,
	}

	select {
	case s.RequestLogChan <- record:
	default:
		slog.Log(ctx, common.LevelTrace, "Request log channel full, dropping record")
	}
}
