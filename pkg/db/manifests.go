package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/challenge"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

// ManifestStore serves content manifests and pre-labelled images to the
// challenge builders.
type ManifestStore struct {
	store *BusinessStore
}

var (
	_ challenge.ManifestSource = (*ManifestStore)(nil)
	_ challenge.LabelledSource = (*ManifestStore)(nil)
)

func (s *BusinessStore) Manifests() *ManifestStore {
	return &ManifestStore{store: s}
}

func (m *ManifestStore) Classes(ctx context.Context) ([]string, error) {
	value, err := m.store.Cache.GetEx(ctx, manifestClassesCacheKey(), func(ctx context.Context, _ CacheKey) (any, error) {
		rows, err := m.store.Pool.Query(ctx, `SELECT class FROM manifests ORDER BY class`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		classes := make([]string, 0)
		for rows.Next() {
			var class string
			if err := rows.Scan(&class); err != nil {
				return nil, err
			}
			classes = append(classes, class)
		}

		return classes, rows.Err()
	})
	if err != nil {
		if err == ErrNegativeCacheHit || err == ErrCacheMiss {
			return nil, challenge.ErrUnavailable
		}
		return nil, err
	}

	classes, ok := value.([]string)
	if !ok {
		return nil, challenge.ErrUnavailable
	}

	return classes, nil
}

func (m *ManifestStore) Keys(ctx context.Context, class string) ([]string, error) {
	value, err := m.store.Cache.GetEx(ctx, manifestCacheKey(class), func(ctx context.Context, _ CacheKey) (any, error) {
		var keys []string
		row := m.store.Pool.QueryRow(ctx, `SELECT keys FROM manifests WHERE class = $1`, class)
		if err := row.Scan(&keys); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &struct{}{}, nil
			}
			return nil, err
		}

		return keys, nil
	})
	if err != nil {
		if err == ErrNegativeCacheHit || err == ErrCacheMiss {
			return nil, challenge.ErrUnavailable
		}
		return nil, err
	}

	keys, ok := value.([]string)
	if !ok {
		return nil, challenge.ErrUnavailable
	}

	return keys, nil
}

func (m *ManifestStore) UpsertManifest(ctx context.Context, class string, keys []string) error {
	_, err := m.store.Pool.Exec(ctx,
		`INSERT INTO manifests (class, keys, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (class) DO UPDATE SET keys = EXCLUDED.keys, updated_at = now()`,
		class, keys)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to upsert manifest", "class", class, common.ErrAttr(err))
		return err
	}

	_ = m.store.Cache.Delete(ctx, manifestCacheKey(class))
	_ = m.store.Cache.Delete(ctx, manifestClassesCacheKey())

	return nil
}

// AnswerClasses loads the class-to-accepted-answers mapping used by the
// handwriting adjudicator.
func (m *ManifestStore) AnswerClasses(ctx context.Context) (map[string][]string, error) {
	rows, err := m.store.Pool.Query(ctx, `SELECT class, answers FROM answer_classes`)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to read answer classes", common.ErrAttr(err))
		return nil, err
	}
	defer rows.Close()

	mapping := make(map[string][]string)
	for rows.Next() {
		var class string
		var answers []string
		if err := rows.Scan(&class, &answers); err != nil {
			return nil, err
		}
		mapping[class] = answers
	}

	return mapping, rows.Err()
}

// SampleLabelled draws one random pre-labelled image that actually has
// correct cells.
func (m *ManifestStore) SampleLabelled(ctx context.Context) (*challenge.LabelledImage, error) {
	row := m.store.Pool.QueryRow(ctx,
		`SELECT key, url, target_label, correct_cells
		FROM labelled_images
		WHERE cardinality(correct_cells) > 0
		ORDER BY random()
		LIMIT 1`)

	img := &challenge.LabelledImage{}
	var cells []int32
	if err := row.Scan(&img.Key, &img.URL, &img.TargetLabel, &cells); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, challenge.ErrUnavailable
		}
		slog.ErrorContext(ctx, "Failed to sample labelled image", common.ErrAttr(err))
		return nil, err
	}

	img.CorrectCells = make([]int, len(cells))
	for i, c := range cells {
		img.CorrectCells[i] = int(c)
	}

	return img, nil
}

// UpsertLabelled records offline detection output for one image.
func (m *ManifestStore) UpsertLabelled(ctx context.Context, img *challenge.LabelledImage) error {
	cells := make([]int32, len(img.CorrectCells))
	for i, c := range img.CorrectCells {
		cells[i] = int32(c)
	}

	_, err := m.store.Pool.Exec(ctx,
		`INSERT INTO labelled_images (key, url, target_label, correct_cells, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key) DO UPDATE SET
			url = EXCLUDED.url,
			target_label = EXCLUDED.target_label,
			correct_cells = EXCLUDED.correct_cells,
			updated_at = now()`,
		img.Key, img.URL, img.TargetLabel, cells)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to upsert labelled image", "key", img.Key, common.ErrAttr(err))
		return err
	}

	return nil
}
