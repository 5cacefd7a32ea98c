package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"missionctl/internal/contextdoc"
	"missionctl/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const missionColumns = `id, sprint_id, name, status, completed_at, COALESCE(notes,'') AS notes, COALESCE(metadata,'') AS metadata`

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var sprintID, completedAt sql.NullString
	err := scan(&m.ID, &sprintID, &m.Name, &m.Status, &completedAt, &m.Notes, &m.Metadata)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if sprintID.Valid {
		m.SprintID = &sprintID.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO missions (id, sprint_id, name, status, completed_at, notes, metadata) VALUES (?,?,?,?,?,?,?)`,
		m.ID, nullableStringPtr(m.SprintID), m.Name, m.Status, nullableStringPtr(m.CompletedAt), nullable(m.Notes), nullable(m.Metadata))
	return err
}

func (r Repo) UpsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO missions (id, sprint_id, name, status, completed_at, notes, metadata) VALUES (?,?,?,?,?,?,?)`,
		m.ID, nullableStringPtr(m.SprintID), m.Name, m.Status, nullableStringPtr(m.CompletedAt), nullable(m.Notes), nullable(m.Metadata))
	return err
}

func (r Repo) UpdateMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE missions SET sprint_id=?, name=?, status=?, completed_at=?, notes=?, metadata=? WHERE id=?`,
		nullableStringPtr(m.SprintID), m.Name, m.Status, nullableStringPtr(m.CompletedAt), nullable(m.Notes), nullable(m.Metadata), m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMissionFields applies a sparse field update (admin surface); keys are
// column names.
func (r Repo) UpdateMissionFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	cols := []string{"sprint_id", "name", "status", "completed_at", "notes", "metadata"}
	var assignments []string
	var args []any
	for _, col := range cols {
		if v, ok := fields[col]; ok {
			assignments = append(assignments, col+"=?")
			args = append(args, v)
		}
	}
	if len(assignments) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE missions SET %s WHERE id=?`, strings.Join(assignments, ", ")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type MissionFilters struct {
	SprintID string
	Status   string
	Limit    int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.SprintID != "" {
		clauses = append(clauses, "sprint_id=?")
		args = append(args, f.SprintID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionColumns + ` FROM missions ` + where + ` ORDER BY sprint_id ASC, rowid ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

const candidateOrder = `ORDER BY CASE status
		WHEN 'In Progress' THEN 0
		WHEN 'Current' THEN 1
		WHEN 'Queued' THEN 2
		WHEN 'Blocked' THEN 3
		ELSE 4
	END, rowid`

// NextCandidate returns the highest-priority non-terminal mission: In Progress
// before Current before Queued, ties broken by insertion order.
func (r Repo) NextCandidate(ctx context.Context) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE status IN ('Queued','Current','In Progress') `+candidateOrder+` LIMIT 1`)
	return scanMission(row.Scan)
}

// OldestQueuedTx returns the next mission eligible for promotion.
func (r Repo) OldestQueuedTx(ctx context.Context, tx *sql.Tx) (domain.Mission, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE status='Queued' ORDER BY rowid LIMIT 1`)
	return scanMission(row.Scan)
}

func (r Repo) CountMissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// UpsertDependencyTx records an advisory edge; re-inserting a pair keeps the
// latest label.
func (r Repo) UpsertDependencyTx(ctx context.Context, tx *sql.Tx, d domain.Dependency) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO mission_dependencies (from_id, to_id, type) VALUES (?,?,?)
ON CONFLICT(from_id, to_id) DO UPDATE SET type=excluded.type`,
		d.FromID, d.ToID, nullable(d.Type))
	return err
}

func (r Repo) ListDependencies(ctx context.Context) ([]domain.Dependency, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT from_id, to_id, COALESCE(type,'') FROM mission_dependencies ORDER BY from_id, to_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		if err := rows.Scan(&d.FromID, &d.ToID, &d.Type); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpsertSprintTx(ctx context.Context, tx *sql.Tx, s domain.Sprint) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sprints (id, title, focus, status, start_date, end_date, total_missions, completed_missions)
VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, nullable(s.Title), nullable(s.Focus), nullable(s.Status),
		nullableStringPtr(s.StartDate), nullableStringPtr(s.EndDate), nullableIntPtr(s.TotalMissions), nullableIntPtr(s.CompletedMissions))
	return err
}

func scanSprint(scan func(dest ...any) error) (domain.Sprint, error) {
	var s domain.Sprint
	var startDate, endDate sql.NullString
	var total, completed sql.NullInt64
	err := scan(&s.ID, &s.Title, &s.Focus, &s.Status, &startDate, &endDate, &total, &completed)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if startDate.Valid {
		s.StartDate = &startDate.String
	}
	if endDate.Valid {
		s.EndDate = &endDate.String
	}
	if total.Valid {
		v := int(total.Int64)
		s.TotalMissions = &v
	}
	if completed.Valid {
		v := int(completed.Int64)
		s.CompletedMissions = &v
	}
	return s, nil
}

const sprintColumns = `id, COALESCE(title,''), COALESCE(focus,''), COALESCE(status,''), start_date, end_date, total_missions, completed_missions`

func (r Repo) GetSprint(ctx context.Context, id string) (domain.Sprint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id=?`, id)
	return scanSprint(row.Scan)
}

func (r Repo) ListSprints(ctx context.Context) ([]domain.Sprint, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+sprintColumns+` FROM sprints ORDER BY COALESCE(start_date,'') ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sprint
	for rows.Next() {
		s, err := scanSprint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetContext loads a context document from the current pointer row. A missing
// context yields an empty document, created lazily on first write.
func (r Repo) GetContext(ctx context.Context, id string) (contextdoc.Doc, error) {
	var content string
	err := r.DB.QueryRowContext(ctx, `SELECT content FROM contexts WHERE id=?`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return contextdoc.Doc{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := contextdoc.Parse([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("context %s: %w", id, err)
	}
	return doc, nil
}

func (r Repo) GetContextTx(ctx context.Context, tx *sql.Tx, id string) (contextdoc.Doc, error) {
	var content string
	err := tx.QueryRowContext(ctx, `SELECT content FROM contexts WHERE id=?`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return contextdoc.Doc{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := contextdoc.Parse([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("context %s: %w", id, err)
	}
	return doc, nil
}

func (r Repo) ListSnapshots(ctx context.Context, contextID string, limit int) ([]domain.Snapshot, error) {
	query := `SELECT id, context_id, COALESCE(session_id,''), COALESCE(source,''), content_hash, content, created_at
FROM context_snapshots WHERE context_id=? ORDER BY created_at DESC, id DESC`
	args := []any{contextID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		if err := rows.Scan(&s.ID, &s.ContextID, &s.SessionID, &s.Source, &s.ContentHash, &s.Content, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListSessionEvents returns events in insertion order, optionally filtered by
// mission.
func (r Repo) ListSessionEvents(ctx context.Context, mission string, limit int) ([]domain.SessionEvent, error) {
	query := `SELECT id, COALESCE(ts,''), COALESCE(agent,''), COALESCE(mission,''), COALESCE(action,''),
COALESCE(status,''), COALESCE(summary,''), COALESCE(next_hint,''), COALESCE(raw_event,'') FROM session_events`
	var args []any
	if mission != "" {
		query += ` WHERE mission=?`
		args = append(args, mission)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SessionEvent
	for rows.Next() {
		var e domain.SessionEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Agent, &e.Mission, &e.Action, &e.Status, &e.Summary, &e.NextHint, &e.Raw); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ReplaceSessionEventsTx rewrites the whole event log; used only by the
// offline merge sync.
func (r Repo) ReplaceSessionEventsTx(ctx context.Context, tx *sql.Tx, events []domain.SessionEvent) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events`); err != nil {
		return err
	}
	for _, e := range events {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_events (ts, agent, mission, action, status, summary, next_hint, raw_event)
VALUES (?,?,?,?,?,?,?,?)`,
			nullable(e.TS), nullable(e.Agent), nullable(e.Mission), nullable(e.Action),
			nullable(e.Status), nullable(e.Summary), nullable(e.NextHint), nullable(e.Raw))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ReplacePromptMappingsTx(ctx context.Context, tx *sql.Tx, mappings []domain.PromptMapping) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM prompt_mappings`); err != nil {
		return err
	}
	for _, m := range mappings {
		prompt := strings.TrimSpace(m.Prompt)
		if prompt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO prompt_mappings (prompt, behavior) VALUES (?,?)`,
			prompt, strings.TrimSpace(m.Behavior)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListPromptMappings(ctx context.Context) ([]domain.PromptMapping, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, prompt, COALESCE(behavior,'') FROM prompt_mappings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PromptMapping
	for rows.Next() {
		var m domain.PromptMapping
		if err := rows.Scan(&m.ID, &m.Prompt, &m.Behavior); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) SetMetadataTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)`, key, value)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
