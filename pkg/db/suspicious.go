package db

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/ratelimit"
)

// SuspiciousIP is the relational projection of the live KV escalation
// record, plus the admin-managed block flag.
type SuspiciousIP struct {
	IPAddress      string     `json:"ip_address"`
	APIKey         string     `json:"api_key"`
	FirstDetected  time.Time  `json:"first_detected"`
	LastViolation  time.Time  `json:"last_violation"`
	ViolationCount int64      `json:"violation_count"`
	IsBlocked      bool       `json:"is_blocked"`
	BlockedAt      *time.Time `json:"blocked_at,omitempty"`
	BlockReason    string     `json:"block_reason,omitempty"`
}

type IPStats struct {
	TotalSuspicious int64 `json:"total_suspicious"`
	TotalBlocked    int64 `json:"total_blocked"`
	TotalViolations int64 `json:"total_violations"`
}

var _ ratelimit.SuspiciousArchive = (*BusinessStore)(nil)

// UpsertSuspiciousIP keeps the archive row in step with the KV record.
// The block flag is admin-owned and never touched from this path.
func (s *BusinessStore) UpsertSuspiciousIP(ctx context.Context, rec *ratelimit.SuspiciousRecord) error {
	violations, err := json.Marshal(rec.Violations)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO suspicious_ips (ip_address, api_key, first_detected, last_violation, violation_count, violations)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (api_key, ip_address) DO UPDATE SET
			last_violation = EXCLUDED.last_violation,
			violation_count = EXCLUDED.violation_count,
			violations = EXCLUDED.violations`,
		rec.IPAddress, rec.APIKey, rec.FirstDetected.UTC(), rec.LastViolation.UTC(), rec.ViolationCount, violations)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to upsert suspicious IP", "ip", rec.IPAddress, common.ErrAttr(err))
		return err
	}

	return nil
}

// IsIPBlocked is the pre-request gate, answered from a short-lived cache.
func (s *BusinessStore) IsIPBlocked(ctx context.Context, apiKey, ip string) (bool, error) {
	cacheKey := blockedIPCacheKey(apiKey, ip)
	if value, err := s.Cache.Get(ctx, cacheKey); err == nil {
		if blocked, ok := value.(bool); ok {
			return blocked, nil
		}
	}

	var blocked bool
	row := s.Pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT is_blocked FROM suspicious_ips WHERE api_key = $1 AND ip_address = $2), FALSE)`,
		apiKey, ip)
	if err := row.Scan(&blocked); err != nil {
		slog.ErrorContext(ctx, "Failed to read IP block status", "ip", ip, common.ErrAttr(err))
		return false, err
	}

	if err := s.Cache.SetWithTTL(ctx, cacheKey, blocked, blockedIPCacheTTL); err != nil {
		slog.WarnContext(ctx, "Failed to cache IP block status", "ip", ip, common.ErrAttr(err))
	}

	return blocked, nil
}

func (s *BusinessStore) BlockIP(ctx context.Context, apiKey, ip, reason string, tnow time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO suspicious_ips (ip_address, api_key, first_detected, last_violation, violation_count, violations, is_blocked, blocked_at, block_reason)
		VALUES ($1, $2, $3, $3, 0, '[]', TRUE, $3, $4)
		ON CONFLICT (api_key, ip_address) DO UPDATE SET
			is_blocked = TRUE,
			blocked_at = EXCLUDED.blocked_at,
			block_reason = EXCLUDED.block_reason`,
		ip, apiKey, tnow.UTC(), reason)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to block IP", "ip", ip, common.ErrAttr(err))
		return err
	}

	_ = s.Cache.Delete(ctx, blockedIPCacheKey(apiKey, ip))

	slog.InfoContext(ctx, "Blocked IP address", "ip", ip, "reason", reason)

	return nil
}

func (s *BusinessStore) UnblockIP(ctx context.Context, apiKey, ip string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE suspicious_ips SET is_blocked = FALSE, blocked_at = NULL, block_reason = ''
		WHERE api_key = $1 AND ip_address = $2`,
		apiKey, ip)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to unblock IP", "ip", ip, common.ErrAttr(err))
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}

	_ = s.Cache.Delete(ctx, blockedIPCacheKey(apiKey, ip))

	slog.InfoContext(ctx, "Unblocked IP address", "ip", ip)

	return nil
}

func (s *BusinessStore) ListSuspiciousIPs(ctx context.Context, apiKey string, limit int) ([]*SuspiciousIP, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT ip_address, api_key, first_detected, last_violation, violation_count, is_blocked, blocked_at, block_reason
		FROM suspicious_ips
		WHERE ($1 = '' OR api_key = $1)
		ORDER BY last_violation DESC
		LIMIT $2`, apiKey, limit)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list suspicious IPs", common.ErrAttr(err))
		return nil, err
	}
	defer rows.Close()

	records := make([]*SuspiciousIP, 0)
	for rows.Next() {
		rec := &SuspiciousIP{}
		if err := rows.Scan(&rec.IPAddress, &rec.APIKey, &rec.FirstDetected, &rec.LastViolation,
			&rec.ViolationCount, &rec.IsBlocked, &rec.BlockedAt, &rec.BlockReason); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *BusinessStore) SuspiciousIPStats(ctx context.Context, apiKey string) (*IPStats, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE is_blocked), COALESCE(sum(violation_count), 0)
		FROM suspicious_ips
		WHERE ($1 = '' OR api_key = $1)`, apiKey)

	stats := &IPStats{}
	if err := row.Scan(&stats.TotalSuspicious, &stats.TotalBlocked, &stats.TotalViolations); err != nil {
		slog.ErrorContext(ctx, "Failed to read IP stats", common.ErrAttr(err))
		return nil, err
	}

	return stats, nil
}
