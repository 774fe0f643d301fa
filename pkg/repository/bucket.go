package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fnakasako/illunis/pkg/domain"
)

// BucketRepository handles the precomputed metric bucket cache. Buckets are
// derived state: every row is recomputable from the interaction log.
type BucketRepository struct {
	store *store
}

// bucketSQL represents a metric bucket for SQL operations
type bucketSQL struct {
	Subject     string    `db:"subject"`
	BucketStart time.Time `db:"bucket_start"`
	Exposures   int64     `db:"exposures"`
	DwellMs     int64     `db:"dwell_ms"`
	Skips       int64     `db:"skips"`
}

// Upsert stores a batch of buckets in one transaction, replacing existing
// rows for the same (subject, bucket start)
func (r *BucketRepository) Upsert(ctx context.Context, buckets []domain.MetricBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO metric_buckets (subject, bucket_start, exposures, dwell_ms, skips)
			VALUES (:subject, :bucket_start, :exposures, :dwell_ms, :skips)
			ON CONFLICT (subject, bucket_start) DO UPDATE SET
				exposures = excluded.exposures,
				dwell_ms = excluded.dwell_ms,
				skips = excluded.skips
		`
		for i := range buckets {
			b := &buckets[i]
			if _, err := tx.NamedExecContext(ctx, query, &bucketSQL{
				Subject:     b.Subject,
				BucketStart: b.BucketStart.UTC(),
				Exposures:   b.Exposures,
				DwellMs:     b.DwellMs,
				Skips:       b.Skips,
			}); err != nil {
				return fmt.Errorf("upsert bucket %s@%s: %w", b.Subject, b.BucketStart, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for i := range buckets {
		if !seen[buckets[i].Subject] {
			seen[buckets[i].Subject] = true
			r.store.cache.InvalidatePrefix(cacheKeyBucketPrefix + buckets[i].Subject + ":")
		}
	}
	return nil
}

// SumRange sums the subject's buckets whose start falls in [start, end).
// Range queries read the bucket cache only, never the raw interaction log.
func (r *BucketRepository) SumRange(ctx context.Context, subject string, window domain.Window) (*domain.Metric, error) {
	key := fmt.Sprintf("%s%s:%d:%d", cacheKeyBucketPrefix, subject, window.Start.Unix(), window.End.Unix())
	if v, ok := r.store.cache.Get(key); ok {
		return v.(*domain.Metric), nil
	}

	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	var row struct {
		Exposures int64 `db:"exposures"`
		DwellMs   int64 `db:"dwell_ms"`
		Skips     int64 `db:"skips"`
	}
	query := `
		SELECT COALESCE(SUM(exposures), 0) AS exposures,
		       COALESCE(SUM(dwell_ms), 0) AS dwell_ms,
		       COALESCE(SUM(skips), 0) AS skips
		FROM metric_buckets
		WHERE subject = ? AND bucket_start >= ? AND bucket_start < ?
	`
	if err := r.store.db.GetContext(ctx, &row, query, subject, window.Start.UTC(), window.End.UTC()); err != nil {
		return nil, fmt.Errorf("sum buckets: %w", err)
	}

	metric := &domain.Metric{
		Subject:   subject,
		Window:    window,
		Exposures: row.Exposures,
		DwellMs:   row.DwellMs,
		Skips:     row.Skips,
	}
	// skip ratio is 0 when nothing was exposed, never a division error
	if row.Exposures > 0 {
		metric.SkipRatio = float64(row.Skips) / float64(row.Exposures)
	}

	r.store.cache.Set(key, metric)
	return metric, nil
}

// ListForSubject retrieves the subject's buckets in start order
func (r *BucketRepository) ListForSubject(ctx context.Context, subject string) ([]domain.MetricBucket, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	query := "SELECT * FROM metric_buckets WHERE subject = ? ORDER BY bucket_start"
	var rows []bucketSQL
	if err := r.store.db.SelectContext(ctx, &rows, query, subject); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	out := make([]domain.MetricBucket, len(rows))
	for i := range rows {
		out[i] = domain.MetricBucket{
			Subject:     rows[i].Subject,
			BucketStart: rows[i].BucketStart,
			Exposures:   rows[i].Exposures,
			DwellMs:     rows[i].DwellMs,
			Skips:       rows[i].Skips,
		}
	}
	return out, nil
}

// Subjects returns every source tag present in the interaction log, the
// set of subjects whose buckets can be (re)computed
func (r *BucketRepository) Subjects(ctx context.Context) ([]string, error) {
	ctx, cancel := r.store.opCtx(ctx)
	defer cancel()

	query := `
		SELECT DISTINCT c.source FROM interactions i
		JOIN content_items c ON i.item_id = c.id
		ORDER BY c.source
	`
	var subjects []string
	if err := r.store.db.SelectContext(ctx, &subjects, query); err != nil {
		return nil, fmt.Errorf("list bucket subjects: %w", err)
	}
	return subjects, nil
}

// Purge drops all buckets; recovery rebuilds them from the interaction log
func (r *BucketRepository) Purge(ctx context.Context) error {
	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM metric_buckets"); err != nil {
			return fmt.Errorf("purge buckets: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.store.cache.InvalidatePrefix(cacheKeyBucketPrefix)
	return nil
}

// Cleanup removes buckets older than the cutoff, paired with interaction
// retention cleanup
func (r *BucketRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM metric_buckets WHERE bucket_start < ?", olderThan.UTC())
		if err != nil {
			return fmt.Errorf("cleanup buckets: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cleanup rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.store.cache.InvalidatePrefix(cacheKeyBucketPrefix)
	}
	return removed, nil
}
