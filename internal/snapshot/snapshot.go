// Package snapshot persists context documents in two tiers: a mutable
// "current" pointer row per context id, and an append-only, content-addressed
// snapshot history. The pointer write always happens; the history append is
// gated on the canonical content hash so repeated identical states never
// bloat the audit trail.
package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"missionctl/internal/contextdoc"
	"missionctl/internal/domain"
)

type Store struct {
	Now func() time.Time
}

// Options tag a persisted document.
type Options struct {
	SessionID  string
	Source     string
	SourcePath string
	// CreatedAt overrides the clock for the snapshot row timestamp.
	CreatedAt string
}

// Digest returns the sha256 hex digest of the RFC 8785 canonical form of the
// document.
func Digest(d contextdoc.Doc) (string, error) {
	raw, err := json.Marshal(map[string]any(d))
	if err != nil {
		return "", fmt.Errorf("marshal context payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize context payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Persist appends a snapshot row unless the latest stored snapshot for the
// context already carries the same content hash. Returns true when a row was
// written.
func (s Store) Persist(ctx context.Context, tx *sql.Tx, contextID string, d contextdoc.Doc, opts Options) (bool, error) {
	digest, err := Digest(d)
	if err != nil {
		return false, err
	}
	var lastHash string
	err = tx.QueryRowContext(ctx,
		`SELECT content_hash FROM context_snapshots WHERE context_id=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		contextID).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read latest snapshot hash: %w", err)
	}
	if err == nil && lastHash == digest {
		return false, nil
	}

	pretty, err := json.MarshalIndent(map[string]any(d), "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal snapshot content: %w", err)
	}
	createdAt := opts.CreatedAt
	if createdAt == "" {
		createdAt = domain.FormatTS(s.now())
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO context_snapshots (context_id, session_id, source, content_hash, content, created_at)
VALUES (?,?,?,?,?,?)`,
		contextID, nullable(opts.SessionID), opts.Source, digest, string(pretty), createdAt)
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	return true, nil
}

// Save writes the current-context pointer row unconditionally, then appends a
// hash-gated snapshot. An existing source_path is preserved unless the options
// provide one.
func (s Store) Save(ctx context.Context, tx *sql.Tx, contextID string, d contextdoc.Doc, opts Options) (bool, error) {
	var existingSource sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT source_path FROM contexts WHERE id=?`, contextID).Scan(&existingSource)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read context pointer: %w", err)
	}
	sourcePath := opts.SourcePath
	if sourcePath == "" && existingSource.Valid {
		sourcePath = existingSource.String
	}

	content, err := json.MarshalIndent(map[string]any(d), "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal context content: %w", err)
	}
	updatedAt := opts.CreatedAt
	if updatedAt == "" {
		updatedAt = domain.FormatTS(s.now())
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO contexts (id, source_path, content, updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET source_path=excluded.source_path, content=excluded.content, updated_at=excluded.updated_at`,
		contextID, sourcePath, string(content), updatedAt)
	if err != nil {
		return false, fmt.Errorf("write context pointer: %w", err)
	}

	snapOpts := opts
	snapOpts.CreatedAt = updatedAt
	if snapOpts.Source == "" {
		snapOpts.Source = sourcePath
	}
	return s.Persist(ctx, tx, contextID, d, snapOpts)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
