package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
)

const (
	suspiciousKeyPrefix = "suspicious:"
	suspiciousListKey   = "suspicious:list"

	DefaultSuspiciousTTL = 7 * 24 * time.Hour

	// keep the tail of the violation log only, analysts read the archive
	maxViolationLog = 50
)

type Violation struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

type SuspiciousRecord struct {
	IPAddress      string      `json:"ip_address"`
	APIKey         string      `json:"api_key"`
	FirstDetected  time.Time   `json:"first_detected"`
	LastViolation  time.Time   `json:"last_violation"`
	ViolationCount int64       `json:"violation_count"`
	Violations     []Violation `json:"violations"`
	IsBlocked      bool        `json:"is_blocked"`
	BlockedAt      *time.Time  `json:"blocked_at,omitempty"`
	BlockReason    string      `json:"block_reason,omitempty"`
}

// SuspiciousArchive is the relational projection read by analysts and by
// the pre-request gate.
type SuspiciousArchive interface {
	UpsertSuspiciousIP(ctx context.Context, rec *SuspiciousRecord) error
}

// Registry escalates rate-limit violations per IP. The live record lives
// in the KV store with a rolling TTL; every upsert is also projected into
// the relational archive, best effort.
type Registry struct {
	Store   kv.Store
	Archive SuspiciousArchive
	TTL     time.Duration
}

func NewRegistry(store kv.Store, archive SuspiciousArchive, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultSuspiciousTTL
	}

	return &Registry{Store: store, Archive: archive, TTL: ttl}
}

// RecordViolation lazily upserts the record for ip. Failures are logged
// and swallowed: escalation must never fail the request path.
func (reg *Registry) RecordViolation(ctx context.Context, ip, apiKey, reason string) {
	now := time.Now().UTC()

	rec := &SuspiciousRecord{}
	err := reg.Store.GetJSON(ctx, suspiciousKeyPrefix+ip, rec)
	if err != nil && err != kv.ErrNotFound {
		slog.ErrorContext(ctx, "Failed to read suspicious IP record", "ip", ip, common.ErrAttr(err))
		return
	}

	if err == kv.ErrNotFound {
		rec.IPAddress = ip
		rec.FirstDetected = now
	}

	if len(apiKey) > 0 {
		rec.APIKey = apiKey
	}
	rec.LastViolation = now
	rec.ViolationCount++
	rec.Violations = append(rec.Violations, Violation{Timestamp: now, Reason: reason})
	if len(rec.Violations) > maxViolationLog {
		rec.Violations = rec.Violations[len(rec.Violations)-maxViolationLog:]
	}

	if err := reg.Store.SetJSON(ctx, suspiciousKeyPrefix+ip, rec, reg.TTL); err != nil {
		slog.ErrorContext(ctx, "Failed to save suspicious IP record", "ip", ip, common.ErrAttr(err))
		return
	}

	if err := reg.Store.SAdd(ctx, suspiciousListKey, ip); err != nil {
		slog.WarnContext(ctx, "Failed to index suspicious IP", "ip", ip, common.ErrAttr(err))
	}

	if reg.Archive != nil {
		if err := reg.Archive.UpsertSuspiciousIP(ctx, rec); err != nil {
			slog.ErrorContext(ctx, "Failed to archive suspicious IP", "ip", ip, common.ErrAttr(err))
		}
	}

	slog.DebugContext(ctx, "Recorded rate limit violation", "ip", ip, "reason", reason, "count", rec.ViolationCount)
}

func (reg *Registry) Get(ctx context.Context, ip string) (*SuspiciousRecord, error) {
	rec := &SuspiciousRecord{}
	if err := reg.Store.GetJSON(ctx, suspiciousKeyPrefix+ip, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

func (reg *Registry) List(ctx context.Context) ([]string, error) {
	return reg.Store.SMembers(ctx, suspiciousListKey)
}

func (reg *Registry) Forget(ctx context.Context, ip string) error {
	if err := reg.Store.Delete(ctx, suspiciousKeyPrefix+ip); err != nil {
		return err
	}

	return reg.Store.SRem(ctx, suspiciousListKey, ip)
}
