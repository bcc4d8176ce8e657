package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

// Token binds one minted challenge tier to an api key. Single use: the
// consume UPDATE is the only place is_used flips, and it flips at most
// once per token id.
type Token struct {
	ID          string
	APIKeyID    int32
	UserID      int32
	CaptchaType string
	IsUsed      bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (s *BusinessStore) CreateToken(ctx context.Context, t *Token) error {
	if len(t.ID) == 0 {
		return ErrInvalidInput
	}

	_, err := s.Pool.Exec(ctx,
		`INSERT INTO captcha_tokens (token_id, api_key_id, user_id, captcha_type, is_used, created_at, expires_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6)`,
		t.ID, t.APIKeyID, t.UserID, t.CaptchaType, t.CreatedAt.UTC(), t.ExpiresAt.UTC())
	if err != nil {
		slog.ErrorContext(ctx, "Failed to insert captcha token", common.ErrAttr(err))
		return err
	}

	slog.Log(ctx, common.LevelTrace, "Minted captcha token", "tokenID", t.ID, "type", t.CaptchaType)

	return nil
}

// ConsumeToken marks the token used and returns it. A token that is
// unknown, already used, expired or bound to another key consumes
// nothing and returns ErrRecordNotFound.
func (s *BusinessStore) ConsumeToken(ctx context.Context, tokenID string, apiKeyID int32, tnow time.Time) (*Token, error) {
	if len(tokenID) == 0 {
		return nil, ErrInvalidInput
	}

	row := s.Pool.QueryRow(ctx,
		`UPDATE captcha_tokens
		SET is_used = TRUE
		WHERE token_id = $1 AND api_key_id = $2 AND is_used = FALSE AND expires_at > $3
		RETURNING token_id, api_key_id, user_id, captcha_type, is_used, created_at, expires_at`,
		tokenID, apiKeyID, tnow.UTC())

	t := &Token{}
	err := row.Scan(&t.ID, &t.APIKeyID, &t.UserID, &t.CaptchaType, &t.IsUsed, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		slog.ErrorContext(ctx, "Failed to consume captcha token", common.ErrAttr(err))
		return nil, err
	}

	return t, nil
}

// DeleteExpiredTokens removes up to limit long-expired tokens, called
// from the chunked cleanup job.
func (s *BusinessStore) DeleteExpiredTokens(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM captcha_tokens
		WHERE token_id IN (
			SELECT token_id FROM captcha_tokens WHERE expires_at < $1 LIMIT $2
		)`, olderThan.UTC(), limit)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to delete expired tokens", common.ErrAttr(err))
		return 0, err
	}

	return int(tag.RowsAffected()), nil
}
