// Package store saves batch results to PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/lib/pq"

	"roimask/internal/area"
	"roimask/internal/batch"
	"roimask/internal/tissue"
)

// Store wraps a connection pool.
type Store struct {
	db *sql.DB
}

// Open opens a pool for dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	return &Store{db: db}, nil
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// DSNFromEnv returns PG_DSN, or a DSN assembled from PG_HOST, PG_PORT,
// PG_USER, PG_PASSWORD, PG_DB and PG_SSLMODE. It returns "" when neither
// PG_DSN nor PG_HOST is set.
func DSNFromEnv() string {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		return dsn
	}
	host := os.Getenv("PG_HOST")
	if host == "" {
		return ""
	}
	port := envOr("PG_PORT", "5432")
	user := envOr("PG_USER", "postgres")
	db := envOr("PG_DB", "roimask")
	ssl := envOr("PG_SSLMODE", "disable")

	dsn := "postgres://" + user
	if pass := os.Getenv("PG_PASSWORD"); pass != "" {
		dsn += ":" + pass
	}
	return dsn + "@" + host + ":" + port + "/" + db + "?sslmode=" + ssl
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnsureSchema creates the result tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS roimask_runs (
            run_id TEXT PRIMARY KEY,
            started TIMESTAMPTZ NOT NULL,
            finished TIMESTAMPTZ NOT NULL,
            succeeded INT NOT NULL,
            skipped INT NOT NULL,
            failed INT NOT NULL,
            degraded INT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS roimask_units (
            run_id TEXT NOT NULL REFERENCES roimask_runs(run_id) ON DELETE CASCADE,
            idx INT NOT NULL,
            specimen TEXT NOT NULL,
            specimen_root TEXT NOT NULL,
            unit_path TEXT NOT NULL,
            reference_path TEXT NOT NULL,
            mask_path TEXT NOT NULL,
            image_id TEXT NOT NULL,
            regions INT NOT NULL,
            gray BIGINT NOT NULL,
            white BIGINT NOT NULL,
            cerebellum BIGINT NOT NULL,
            archicortex BIGINT NOT NULL,
            status TEXT NOT NULL,
            reason TEXT NOT NULL,
            degraded BOOLEAN NOT NULL,
            PRIMARY KEY (run_id, idx)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_roimask_units_specimen ON roimask_units(specimen, image_id)`,
	}
	for i, q := range stmts {
		slog.Debug("schema_exec", "idx", i)
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveResult stores a run and its entries in one transaction. Saving the
// same run again replaces it.
func (s *Store) SaveResult(ctx context.Context, res *batch.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM roimask_runs WHERE run_id=$1`, res.RunID); err != nil {
		return fmt.Errorf("save run %s: %w", res.RunID, err)
	}
	sum := res.Summary
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roimask_runs(run_id, started, finished, succeeded, skipped, failed, degraded)
         VALUES($1, $2, $3, $4, $5, $6, $7)`,
		res.RunID, res.Started, res.Finished, sum.Succeeded, sum.Skipped, sum.Failed, sum.Degraded,
	); err != nil {
		return fmt.Errorf("save run %s: %w", res.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO roimask_units(run_id, idx, specimen, specimen_root, unit_path, reference_path, mask_path,
            image_id, regions, gray, white, cerebellum, archicortex, status, reason, degraded)
         VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, e := range res.Entries {
		if _, err := stmt.ExecContext(ctx,
			res.RunID, i, e.Specimen, e.SpecimenRoot, e.UnitPath, e.ReferencePath, e.MaskPath,
			e.ImageID, e.Regions,
			e.Area.Count(tissue.Gray), e.Area.Count(tissue.White),
			e.Area.Count(tissue.Cerebellum), e.Area.Count(tissue.Archicortex),
			string(e.Status), string(e.Reason), e.Degraded,
		); err != nil {
			return fmt.Errorf("save unit %d of run %s: %w", i, res.RunID, err)
		}
	}
	return tx.Commit()
}

// LoadEntries reads back the entries of a run in batch order.
// Errors and durations are not stored.
func (s *Store) LoadEntries(ctx context.Context, runID string) ([]batch.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT specimen, specimen_root, unit_path, reference_path, mask_path, image_id, regions,
                gray, white, cerebellum, archicortex, status, reason, degraded
         FROM roimask_units WHERE run_id=$1 ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []batch.Entry
	for rows.Next() {
		var e batch.Entry
		var gray, white, cereb, archi int
		var status, reason string
		if err := rows.Scan(&e.Specimen, &e.SpecimenRoot, &e.UnitPath, &e.ReferencePath, &e.MaskPath,
			&e.ImageID, &e.Regions, &gray, &white, &cereb, &archi, &status, &reason, &e.Degraded); err != nil {
			return nil, err
		}
		e.Area = area.Record{}.
			With(tissue.Gray, gray).
			With(tissue.White, white).
			With(tissue.Cerebellum, cereb).
			With(tissue.Archicortex, archi)
		e.Status = batch.Status(status)
		e.Reason = batch.Reason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}
