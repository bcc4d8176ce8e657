package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/cors"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/challenge"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/monitoring"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/plans"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/ratelimit"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/score"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/session"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/signing"
)

const (
	maxBehaviorBodySize = 256 * 1024
	maxDrawingBodySize  = 2 * 1024 * 1024

	logBatchSize    = 100
	maxLogBatchSize = 100_000

	DefaultTokenTTL = 10 * time.Minute

	demoTokenPrefix     = "demo_token_"
	fallbackTokenPrefix = "fallback_token_"
)

// BusinessSource is the slice of the relational store the API needs.
type BusinessSource interface {
	KeySource
	IsIPBlocked(ctx context.Context, apiKey, ip string) (bool, error)
	CreateToken(ctx context.Context, t *db.Token) error
	ConsumeToken(ctx context.Context, tokenID string, apiKeyID int32, tnow time.Time) (*db.Token, error)
	IncrementUsage(ctx context.Context, apiKeyID int32, captchaType string, tnow time.Time) error
	BlockIP(ctx context.Context, apiKey, ip, reason string, tnow time.Time) error
	UnblockIP(ctx context.Context, apiKey, ip string) error
	ListSuspiciousIPs(ctx context.Context, apiKey string, limit int) ([]*db.SuspiciousIP, error)
	SuspiciousIPStats(ctx context.Context, apiKey string) (*db.IPStats, error)
}

type BotScorer interface {
	PredictBot(ctx context.Context, behaviorData json.RawMessage) score.BotScore
}

type MobileDetector interface {
	IsMobile(userAgent string) bool
}

type ChallengeBuilder interface {
	Build(ctx context.Context) (*challenge.Challenge, error)
}

type Server struct {
	Stage          string
	Business       BusinessSource
	TimeSeries     common.TimeSeriesStore
	KV             kv.Store
	Sessions       *session.Manager
	Challenges     *challenge.Store
	Builders       map[challenge.Kind]ChallengeBuilder
	Model          BotScorer
	OCR            challenge.TextPredictor
	Mobile         MobileDetector
	Signer         *signing.Signer
	Library        challenge.LocalLibrary
	Auth           *AuthMiddleware
	RateLimiter    ratelimit.HTTPRateLimiter
	Registry       *ratelimit.Registry
	IPWindows      []ratelimit.Window
	PlanDefaults   plans.Defaults
	FailOpen       bool
	Metrics        common.APIMetrics
	Cors           *cors.Cors
	AllowedOrigins []string
	TokenTTL       time.Duration

	RequestLogChan chan *common.RequestRecord
	VerifyLogChan  chan *common.VerifyRecord
	BehaviorChan   chan *common.BehaviorRecord
	logCancel      context.CancelFunc
}

// Init starts the batch writers draining the log channels into the
// time-series store.
func (s *Server) Init(ctx context.Context, flushInterval time.Duration) {
	if s.TokenTTL <= 0 {
		s.TokenTTL = DefaultTokenTTL
	}

	var logCtx context.Context
	logCtx, s.logCancel = context.WithCancel(
		context.WithValue(context.Background(), common.TraceIDContextKey, "flush_logs"))

	go common.ProcessBatchArray(logCtx, s.RequestLogChan, flushInterval, logBatchSize, maxLogBatchSize, s.TimeSeries.WriteRequestLogBatch)
	go common.ProcessBatchArray(logCtx, s.VerifyLogChan, flushInterval, logBatchSize, maxLogBatchSize, s.TimeSeries.WriteVerifyLogBatch)
	go common.ProcessBatchArray(logCtx, s.BehaviorChan, flushInterval, logBatchSize, maxLogBatchSize, s.TimeSeries.WriteBehaviorBatch)
}

func (s *Server) Shutdown() {
	slog.Debug("Shutting down API server routines")

	if s.RateLimiter != nil {
		s.RateLimiter.Shutdown()
	}

	if s.logCancel != nil {
		s.logCancel()
	}

	close(s.RequestLogChan)
	close(s.VerifyLogChan)
	close(s.BehaviorChan)
}

func (s *Server) corsOptions(verbose bool) cors.Options {
	origins := slices.Clone(s.AllowedOrigins)
	// the wildcard stays a dev-stage convenience
	if s.Stage != common.StageDev {
		origins = slices.DeleteFunc(origins, func(o string) bool { return o == "*" })
	}

	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedHeaders: []string{common.HeaderAPIKey, common.HeaderSecretKey, "accept", "content-type", "x-requested-with"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		Debug:          verbose,
		MaxAge:         60 * 60, /*seconds*/
	}

	if opts.Debug {
		opts.Logger = &common.FmtLogger{Ctx: common.TraceContext(context.TODO(), "cors"), Level: common.LevelTrace}
	}

	return opts
}

func (s *Server) Setup(router *http.ServeMux, verbose bool, security alice.Constructor) {
	s.Cors = cors.New(s.corsOptions(verbose))

	const prefix = "/api/"
	slog.Debug("Setting up the API routes", "prefix", prefix)

	publicChain := alice.New(common.Recovered, security, s.Metrics.Handler)
	apiChain := publicChain.Append(s.RateLimiter.RateLimit, monitoring.Traced, s.Cors.Handler)

	issueChain := apiChain.Append(s.Auth.PublicKey, common.TimeoutHandler(10*time.Second))
	// OCR adjudication can be slow, the verify budget is wider
	verifyChain := apiChain.Append(s.Auth.PublicKey, s.Auth.Secret, common.TimeoutHandler(30*time.Second))

	router.Handle(http.MethodPost+" "+prefix+common.NextCaptchaEndpoint,
		issueChain.Then(http.MaxBytesHandler(http.HandlerFunc(s.nextCaptchaHandler), maxBehaviorBodySize)))

	router.Handle(http.MethodPost+" "+prefix+common.ImageChallengeEndpoint,
		issueChain.ThenFunc(s.gridChallengeHandler))
	router.Handle(http.MethodPost+" "+prefix+common.AbstractChallengeEndpoint,
		issueChain.ThenFunc(s.abstractChallengeHandler))
	router.Handle(http.MethodPost+" "+prefix+common.HandwritingEndpoint,
		issueChain.ThenFunc(s.handwritingChallengeHandler))

	router.Handle(http.MethodPost+" "+prefix+common.ImageVerifyEndpoint,
		verifyChain.Then(http.MaxBytesHandler(http.HandlerFunc(s.gridVerifyHandler), maxBehaviorBodySize)))
	router.Handle(http.MethodPost+" "+prefix+common.AbstractVerifyEndpoint,
		verifyChain.Then(http.MaxBytesHandler(http.HandlerFunc(s.abstractVerifyHandler), maxBehaviorBodySize)))
	router.Handle(http.MethodPost+" "+prefix+common.HandwritingVerifyEndpoint,
		verifyChain.Then(http.MaxBytesHandler(http.HandlerFunc(s.handwritingVerifyHandler), maxDrawingBodySize)))
	router.Handle(http.MethodPost+" "+prefix+common.VerifyCaptchaEndpoint,
		verifyChain.Then(http.MaxBytesHandler(http.HandlerFunc(s.tokenVerifyHandler), maxBehaviorBodySize)))

	// signature-gated, no credential auth
	imageChain := apiChain.Append(common.TimeoutHandler(10 * time.Second))
	router.Handle(http.MethodGet+" "+prefix+common.ChallengeImageEndpoint,
		imageChain.ThenFunc(s.challengeImageHandler))

	adminChain := publicChain.Append(monitoring.Traced, s.Auth.Admin)
	router.Handle(http.MethodGet+" "+prefix+"admin/suspicious-ips", adminChain.ThenFunc(s.listSuspiciousHandler))
	router.Handle(http.MethodPost+" "+prefix+"admin/block-ip", adminChain.ThenFunc(s.blockIPHandler))
	router.Handle(http.MethodPost+" "+prefix+"admin/unblock-ip", adminChain.ThenFunc(s.unblockIPHandler))
	router.Handle(http.MethodGet+" "+prefix+"admin/ip-stats", adminChain.ThenFunc(s.ipStatsHandler))

	router.Handle(prefix+"{$}", publicChain.Then(common.HttpStatus(http.StatusForbidden)))
}

func clientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(common.ClientIPContextKey).(string); ok && len(ip) > 0 {
		return ip
	}

	return "unknown"
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code string) {
	common.SendJSONStatus(ctx, w, status, &errorResponse{Error: code})
}
