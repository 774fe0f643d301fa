package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fnakasako/illunis/pkg/domain"
)

// Snapshot is a self-consistent export of all four durable collections taken
// at a single commit point. Used for backup and manual cross-device moves;
// never a partial file copy.
type Snapshot struct {
	TakenAt      time.Time               `json:"taken_at"`
	Rules        []domain.Rule           `json:"rules"`
	Items        []domain.ContentItem    `json:"items"`
	Interactions []domain.Interaction    `json:"interactions"`
	Buckets      []domain.MetricBucket   `json:"buckets"`
	Decisions    []domain.FilterDecision `json:"decisions"`
}

// Export writes a snapshot of the whole store as JSON. All collections are
// read inside one transaction so the snapshot is consistent.
func (r *Repositories) Export(ctx context.Context, w io.Writer) error {
	var snap Snapshot
	snap.TakenAt = time.Now().UTC()

	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		var rules []ruleSQL
		if err := tx.SelectContext(ctx, &rules, "SELECT * FROM rules ORDER BY id, version"); err != nil {
			return fmt.Errorf("export rules: %w", err)
		}
		for i := range rules {
			snap.Rules = append(snap.Rules, *toDomainRule(&rules[i]))
		}

		var items []itemSQL
		if err := tx.SelectContext(ctx, &items, "SELECT * FROM content_items ORDER BY created_at"); err != nil {
			return fmt.Errorf("export items: %w", err)
		}
		for i := range items {
			snap.Items = append(snap.Items, *toDomainItem(&items[i]))
		}

		var interactions []interactionSQL
		if err := tx.SelectContext(ctx, &interactions, "SELECT * FROM interactions ORDER BY timestamp, created_at"); err != nil {
			return fmt.Errorf("export interactions: %w", err)
		}
		for _, in := range toDomainInteractions(interactions) {
			snap.Interactions = append(snap.Interactions, *in)
		}

		var buckets []bucketSQL
		if err := tx.SelectContext(ctx, &buckets, "SELECT * FROM metric_buckets ORDER BY subject, bucket_start"); err != nil {
			return fmt.Errorf("export buckets: %w", err)
		}
		for i := range buckets {
			snap.Buckets = append(snap.Buckets, domain.MetricBucket{
				Subject:     buckets[i].Subject,
				BucketStart: buckets[i].BucketStart,
				Exposures:   buckets[i].Exposures,
				DwellMs:     buckets[i].DwellMs,
				Skips:       buckets[i].Skips,
			})
		}

		var decisions []decisionSQL
		if err := tx.SelectContext(ctx, &decisions, "SELECT * FROM decisions ORDER BY ruleset_version, item_id"); err != nil {
			return fmt.Errorf("export decisions: %w", err)
		}
		for i := range decisions {
			snap.Decisions = append(snap.Decisions, *toDomainDecision(&decisions[i]))
		}
		return nil
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// Import loads a snapshot into the store in one transaction. Existing rows
// with the same identities are replaced; the whole import commits or rolls
// back as a unit.
func (r *Repositories) Import(ctx context.Context, src io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(src).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	err := r.store.inTx(ctx, func(tx *sqlx.Tx) error {
		for i := range snap.Items {
			item := &snap.Items[i]
			query := `
				INSERT INTO content_items (id, source, external_id, payload, created_at, updated_at)
				VALUES (:id, :source, :external_id, :payload, :created_at, :updated_at)
				ON CONFLICT (source, external_id) DO UPDATE SET
					payload = excluded.payload,
					updated_at = excluded.updated_at
			`
			if _, err := tx.NamedExecContext(ctx, query, &itemSQL{
				ID: item.ID, Source: item.Source, ExternalID: item.ExternalID,
				Payload: payloadSQL(item.Payload), CreatedAt: item.CreatedAt.UTC(), UpdatedAt: item.UpdatedAt.UTC(),
			}); err != nil {
				return fmt.Errorf("import item %s: %w", item.ID, err)
			}
		}

		for i := range snap.Rules {
			rule := &snap.Rules[i]
			query := `
				INSERT OR REPLACE INTO rules (id, version, name, predicate, action, weight, priority, enabled, deleted, created_at, updated_at)
				VALUES (:id, :version, :name, :predicate, :action, :weight, :priority, :enabled, :deleted, :created_at, :updated_at)
			`
			if _, err := tx.NamedExecContext(ctx, query, &ruleSQL{
				ID: rule.ID, Version: rule.Version, Name: rule.Name,
				Predicate: predicateSQL{tree: rule.Predicate}, Action: string(rule.Action),
				Weight: rule.Weight, Priority: rule.Priority, Enabled: rule.Enabled,
				Deleted: rule.Deleted, CreatedAt: rule.CreatedAt.UTC(), UpdatedAt: rule.UpdatedAt.UTC(),
			}); err != nil {
				return fmt.Errorf("import rule %d: %w", rule.ID, err)
			}
		}

		for i := range snap.Interactions {
			in := &snap.Interactions[i]
			query := `
				INSERT OR REPLACE INTO interactions (id, item_id, kind, duration_ms, signal, late_arrival, timestamp, created_at)
				VALUES (:id, :item_id, :kind, :duration_ms, :signal, :late_arrival, :timestamp, :created_at)
			`
			if _, err := tx.NamedExecContext(ctx, query, &interactionSQL{
				ID: in.ID, ItemID: in.ItemID, Kind: string(in.Kind), DurationMs: in.DurationMs,
				Signal: in.Signal, LateArrival: in.LateArrival,
				Timestamp: in.Timestamp.UTC(), CreatedAt: in.CreatedAt.UTC(),
			}); err != nil {
				return fmt.Errorf("import interaction %s: %w", in.ID, err)
			}
		}

		for i := range snap.Buckets {
			b := &snap.Buckets[i]
			query := `
				INSERT OR REPLACE INTO metric_buckets (subject, bucket_start, exposures, dwell_ms, skips)
				VALUES (:subject, :bucket_start, :exposures, :dwell_ms, :skips)
			`
			if _, err := tx.NamedExecContext(ctx, query, &bucketSQL{
				Subject: b.Subject, BucketStart: b.BucketStart.UTC(),
				Exposures: b.Exposures, DwellMs: b.DwellMs, Skips: b.Skips,
			}); err != nil {
				return fmt.Errorf("import bucket %s: %w", b.Subject, err)
			}
		}

		for i := range snap.Decisions {
			d := &snap.Decisions[i]
			query := `
				INSERT OR REPLACE INTO decisions (item_id, rule_id, action, weight, ruleset_version, evaluated_at)
				VALUES (:item_id, :rule_id, :action, :weight, :ruleset_version, :evaluated_at)
			`
			if _, err := tx.NamedExecContext(ctx, query, &decisionSQL{
				ItemID: d.ItemID, RuleID: d.RuleID, Action: string(d.Action), Weight: d.Weight,
				RulesetVersion: d.RulesetVersion, EvaluatedAt: d.EvaluatedAt.UTC(),
			}); err != nil {
				return fmt.Errorf("import decision %s: %w", d.ItemID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// imported state supersedes everything cached
	r.store.cache.Purge()
	return nil
}
