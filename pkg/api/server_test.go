package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

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

type fakeBusiness struct {
	mu      sync.Mutex
	keys    map[string]*db.APIKey
	blocked map[string]bool
	tokens  map[string]*db.Token
	usage   map[int32]int
}

func newFakeBusiness() *fakeBusiness {
	return &fakeBusiness{
		keys:    make(map[string]*db.APIKey),
		blocked: make(map[string]bool),
		tokens:  make(map[string]*db.Token),
		usage:   make(map[int32]int),
	}
}

func (f *fakeBusiness) GetAPIKey(ctx context.Context, publicKey string) (*db.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if key, ok := f.keys[publicKey]; ok {
		return key, nil
	}
	return nil, db.ErrRecordNotFound
}

func (f *fakeBusiness) IsIPBlocked(ctx context.Context, apiKey, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.blocked[apiKey+"/"+ip], nil
}

func (f *fakeBusiness) CreateToken(ctx context.Context, t *db.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tokens[t.ID] = t
	return nil
}

func (f *fakeBusiness) ConsumeToken(ctx context.Context, tokenID string, apiKeyID int32, tnow time.Time) (*db.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tokens[tokenID]
	if !ok || t.IsUsed || t.APIKeyID != apiKeyID || !t.ExpiresAt.After(tnow) {
		return nil, db.ErrRecordNotFound
	}

	t.IsUsed = true
	return t, nil
}

func (f *fakeBusiness) IncrementUsage(ctx context.Context, apiKeyID int32, captchaType string, tnow time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.usage[apiKeyID]++
	return nil
}

func (f *fakeBusiness) BlockIP(ctx context.Context, apiKey, ip, reason string, tnow time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.blocked[apiKey+"/"+ip] = true
	return nil
}

func (f *fakeBusiness) UnblockIP(ctx context.Context, apiKey, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.blocked[apiKey+"/"+ip] {
		return db.ErrRecordNotFound
	}
	delete(f.blocked, apiKey+"/"+ip)
	return nil
}

func (f *fakeBusiness) ListSuspiciousIPs(ctx context.Context, apiKey string, limit int) ([]*db.SuspiciousIP, error) {
	return nil, nil
}

func (f *fakeBusiness) SuspiciousIPStats(ctx context.Context, apiKey string) (*db.IPStats, error) {
	return &db.IPStats{}, nil
}

func (f *fakeBusiness) tokenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.tokens)
}

type fakeScorer struct {
	mu    sync.Mutex
	score float64
	calls int
}

func (f *fakeScorer) PredictBot(ctx context.Context, behaviorData json.RawMessage) score.BotScore {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	return score.BotScore{ConfidenceScore: f.score, IsBot: f.score < 50}
}

func (f *fakeScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

type fakeMobile struct {
	mobile bool
}

func (f *fakeMobile) IsMobile(userAgent string) bool {
	return f.mobile
}

type fakeOCR struct {
	text string
	err  error
}

func (f *fakeOCR) PredictText(ctx context.Context, image []byte, lexicon []string) (string, error) {
	return f.text, f.err
}

type fixedBuilder struct {
	ch  *challenge.Challenge
	err error
}

func (b *fixedBuilder) Build(ctx context.Context) (*challenge.Challenge, error) {
	if b.err != nil {
		return nil, b.err
	}

	clone := *b.ch
	return &clone, nil
}

func newTestServer(business *fakeBusiness, scorer *fakeScorer, mobile bool) *Server {
	store := kv.NewMemoryStore()

	return &Server{
		Stage:        common.StageTest,
		Business:     business,
		KV:           store,
		Sessions:     session.NewManager(store, time.Minute),
		Challenges:   challenge.NewStore(store, time.Minute),
		Builders:     map[challenge.Kind]ChallengeBuilder{},
		Model:        scorer,
		OCR:          &fakeOCR{},
		Mobile:       &fakeMobile{mobile: mobile},
		Signer:       signing.NewSigner("test-image-secret"),
		IPWindows:    []ratelimit.Window{ratelimit.MinuteWindow(100)},
		PlanDefaults: plans.NewDefaults(0, 0),
		Metrics:      monitoring.NewStub(),
		TokenTTL:     DefaultTokenTTL,

		RequestLogChan: make(chan *common.RequestRecord, 64),
		VerifyLogChan:  make(chan *common.VerifyRecord, 64),
		BehaviorChan:   make(chan *common.BehaviorRecord, 64),
	}
}

func testAPIKey() *db.APIKey {
	return &db.APIKey{
		ID:         1,
		PublicKey:  "pk_live_test",
		SecretHash: db.HashSecret("sk_live_test"),
		Name:       "test",
	}
}

func authedContext(key *db.APIKey, ip string, secret bool) context.Context {
	ctx := context.WithValue(context.Background(), common.APIKeyContextKey, key)
	ctx = context.WithValue(ctx, common.ClientIPContextKey, ip)
	if secret {
		ctx = context.WithValue(ctx, common.SecretVerifiedContextKey, true)
	}

	return ctx
}
