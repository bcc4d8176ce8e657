package common

import "net/http"

const (
	AdaptiveCaptcha = "Adaptive Captcha"
	StageDev        = "dev"
	StageStaging    = "staging"
	StageTest       = "test"
	StageProd       = "prod"

	ContentTypePlain      = "text/plain"
	ContentTypeHTML       = "text/html; charset=utf-8"
	ContentTypeJSON       = "application/json"
	ContentTypeURLEncoded = "application/x-www-form-urlencoded"

	// challenge tiers as they appear on the wire
	TierPass        = "pass"
	TierImage       = "image"
	TierAbstract    = "abstract"
	TierHandwriting = "handwriting"
	TierBlocked     = "blocked"

	ParamChallengeID = "cid"
	ParamImageIndex  = "idx"
	ParamSignature   = "sig"
	ParamIP          = "ip"

	NextCaptchaEndpoint       = "next-captcha"
	ImageChallengeEndpoint    = "image-challenge"
	AbstractChallengeEndpoint = "abstract-captcha"
	HandwritingEndpoint       = "handwriting-challenge"
	ImageVerifyEndpoint       = "imagecaptcha-verify"
	AbstractVerifyEndpoint    = "abstract-verify"
	HandwritingVerifyEndpoint = "handwriting-verify"
	VerifyCaptchaEndpoint     = "verify-captcha"
	ChallengeImageEndpoint    = "challenge-image"

	LiveEndpoint  = "healthz"
	ReadyEndpoint = "readyz"
)

var (
	HeaderContentType   = http.CanonicalHeaderKey("Content-Type")
	HeaderContentLength = http.CanonicalHeaderKey("Content-Length")
	HeaderAPIKey        = http.CanonicalHeaderKey("X-API-Key")
	HeaderSecretKey     = http.CanonicalHeaderKey("X-Secret-Key")
	HeaderAdminToken    = http.CanonicalHeaderKey("X-Admin-Token")
	HeaderTraceID       = http.CanonicalHeaderKey("X-Trace-ID")
	HeaderCacheControl  = http.CanonicalHeaderKey("Cache-Control")
	HeaderRetryAfter    = http.CanonicalHeaderKey("Retry-After")
)
