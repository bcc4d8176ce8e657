package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

const (
	RequestLogTableName  = "adaptivecaptcha.request_logs"
	VerifyLogTableName   = "adaptivecaptcha.verify_logs"
	BehaviorLogTableName = "adaptivecaptcha.behavior_logs"
)

type TimeSeriesDB struct {
	Clickhouse      *sql.DB
	maintenanceMode atomic.Bool
}

var _ common.TimeSeriesStore = (*TimeSeriesDB)(nil)

func NewTimeSeries(clickhouse *sql.DB) *TimeSeriesDB {
	return &TimeSeriesDB{Clickhouse: clickhouse}
}

func (ts *TimeSeriesDB) UpdateConfig(maintenanceMode bool) {
	ts.maintenanceMode.Store(maintenanceMode)
}

func (ts *TimeSeriesDB) IsAvailable() bool {
	return (ts.Clickhouse != nil) && !ts.maintenanceMode.Load()
}

func (ts *TimeSeriesDB) Ping(ctx context.Context) error {
	if ts.Clickhouse == nil {
		return nil
	}

	rows, err := ts.Clickhouse.Query("SELECT 1")
	if err != nil {
		slog.ErrorContext(ctx, "Failed to execute ping query", common.ErrAttr(err))
		return err
	}

	defer rows.Close()

	if rows.Next() {
		var v int32
		if err := rows.Scan(&v); err != nil {
			slog.ErrorContext(ctx, "Failed to read row from ping query", common.ErrAttr(err))
			return err
		}

		slog.Log(ctx, common.LevelTrace, "Pinged ClickHouse", "result", v)
	}

	return nil
}

func (ts *TimeSeriesDB) writeBatch(ctx context.Context, table string, count int, exec func(batch *sql.Stmt) error) error {
	if count == 0 {
		slog.WarnContext(ctx, "Attempt to insert empty batch", "table", table)
		return nil
	}

	if !ts.IsAvailable() {
		return ErrMaintenance
	}

	scope, err := ts.Clickhouse.Begin()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to begin batch insert", common.ErrAttr(err))
		return err
	}

	batch, err := scope.Prepare(fmt.Sprintf("INSERT INTO %s", table))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to prepare insert query", common.ErrAttr(err))
		return err
	}

	if err := exec(batch); err != nil {
		return err
	}

	err = scope.Commit()
	if err == nil {
		slog.InfoContext(ctx, "Inserted batch of records", "table", table, "size", count)
	} else {
		slog.ErrorContext(ctx, "Failed to insert batch", "table", table, common.ErrAttr(err))
	}

	return err
}

func (ts *TimeSeriesDB) WriteRequestLogBatch(ctx context.Context, records []*common.RequestRecord) error {
	return ts.writeBatch(ctx, RequestLogTableName, len(records), func(batch *sql.Stmt) error {
		for i, r := range records {
			_, err := batch.Exec(r.Timestamp.UTC(), r.APIKeyID, r.UserID, r.ClientIP, r.Tier,
				r.Score, r.Mobile, r.SessionID, r.IsBlocked, r.Attempts, r.BotAttempts)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to exec insert for record", common.ErrAttr(err), "index", i)
				return err
			}
		}
		return nil
	})
}

func (ts *TimeSeriesDB) WriteVerifyLogBatch(ctx context.Context, records []*common.VerifyRecord) error {
	return ts.writeBatch(ctx, VerifyLogTableName, len(records), func(batch *sql.Stmt) error {
		for i, r := range records {
			_, err := batch.Exec(r.Timestamp.UTC(), r.APIKeyID, r.UserID, r.ChallengeID,
				r.Kind, r.Success, r.Attempts, r.Status)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to exec insert for record", common.ErrAttr(err), "index", i)
				return err
			}
		}
		return nil
	})
}

func (ts *TimeSeriesDB) WriteBehaviorBatch(ctx context.Context, records []*common.BehaviorRecord) error {
	return ts.writeBatch(ctx, BehaviorLogTableName, len(records), func(batch *sql.Stmt) error {
		for i, r := range records {
			_, err := batch.Exec(r.Timestamp.UTC(), r.CorrelationID, r.BehaviorData, r.Score)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to exec insert for record", common.ErrAttr(err), "index", i)
				return err
			}
		}
		return nil
	})
}

// VerifySuccessRateSince is an analyst helper: per-kind success counts
// for one api key.
func (ts *TimeSeriesDB) VerifySuccessRateSince(ctx context.Context, apiKeyID int32, from time.Time) (map[string][2]uint64, error) {
	if !ts.IsAvailable() {
		return nil, ErrMaintenance
	}

	query := `SELECT kind, countIf(success), countIf(NOT success)
FROM %s
WHERE api_key_id = {api_key_id:UInt32} AND timestamp >= {timestamp:DateTime}
GROUP BY kind`
	rows, err := ts.Clickhouse.Query(fmt.Sprintf(query, VerifyLogTableName),
		clickhouse.Named("api_key_id", strconv.Itoa(int(apiKeyID))),
		clickhouse.Named("timestamp", from.UTC().Format(time.DateTime)))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to execute verify stats query", common.ErrAttr(err))
		return nil, err
	}

	defer rows.Close()

	results := make(map[string][2]uint64)
	for rows.Next() {
		var kind string
		var successes, failures uint64
		if err := rows.Scan(&kind, &successes, &failures); err != nil {
			slog.ErrorContext(ctx, "Failed to read row from verify stats query", common.ErrAttr(err))
			return nil, err
		}
		results[kind] = [2]uint64{successes, failures}
	}

	return results, nil
}
