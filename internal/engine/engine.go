// Package engine owns the mission lifecycle: every transition runs inside a
// single transaction that updates the mission row, appends a session event,
// and rewrites both context documents with their snapshots. Either everything
// in a transition lands or none of it does.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missionctl/internal/config"
	"missionctl/internal/contextdoc"
	"missionctl/internal/domain"
	"missionctl/internal/events"
	"missionctl/internal/repo"
	"missionctl/internal/snapshot"
	"missionctl/internal/telemetry"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Snapshots snapshot.Store
	Config    *config.Config
	Telemetry *telemetry.Recorder
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Snapshots: snapshot.Store{Now: time.Now},
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) agent(override string) string {
	if override != "" {
		return override
	}
	if e.Config != nil && e.Config.Agent != "" {
		return e.Config.Agent
	}
	return config.DefaultAgent
}

func (e Engine) sizeLimit() int {
	if e.Config != nil && e.Config.ContextSizeLimitKB > 0 {
		return e.Config.ContextSizeLimitKB
	}
	return config.DefaultSizeLimitKB
}

func (e Engine) record(event string, fields map[string]any) {
	e.Telemetry.Record(event, fields)
}

func parseMetadata(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("mission metadata: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("mission metadata: %w", err)
	}
	return string(raw), nil
}

func clearBlockedMarks(m map[string]any) {
	delete(m, "blocked_at")
	delete(m, "blocked_reason")
	delete(m, "blocked_needs")
}

// saveContext persists a context document inside the transaction: pointer row
// plus hash-gated snapshot, both stamped with the transition timestamp.
func (e Engine) saveContext(ctx context.Context, tx *sql.Tx, id string, doc contextdoc.Doc, ts string) error {
	_, err := e.Snapshots.Save(ctx, tx, id, doc, snapshot.Options{
		SessionID: contextdoc.SessionHint(doc),
		Source:    "runtime",
		CreatedAt: ts,
	})
	return err
}

// StartOptions parameterize a start transition.
type StartOptions struct {
	Agent   string
	Summary string
	// TS overrides the clock; ISO-8601 UTC.
	TS string
}

// Start moves a mission to In Progress, clearing any blocked state, and
// records the session across the event log and both contexts.
func (e Engine) Start(ctx context.Context, missionID string, opts StartOptions) (domain.SessionEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	defer tx.Rollback()

	mission, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.SessionEvent{}, fmt.Errorf("mission %s: %w", missionID, err)
	}
	if mission.Status == domain.StatusCompleted {
		return domain.SessionEvent{}, fmt.Errorf("mission %s is already completed", missionID)
	}

	ts := opts.TS
	if ts == "" {
		ts = domain.FormatTS(e.now())
	}
	summary := opts.Summary
	if summary == "" {
		summary = fmt.Sprintf("Started %s", missionID)
	}
	agent := e.agent(opts.Agent)

	meta, err := parseMetadata(mission.Metadata)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	meta["started_at"] = ts
	clearBlockedMarks(meta)
	mission.Metadata, err = encodeMetadata(meta)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	mission.Status = domain.StatusInProgress
	if err := e.Repo.UpdateMissionTx(ctx, tx, mission); err != nil {
		return domain.SessionEvent{}, fmt.Errorf("update mission %s: %w", missionID, err)
	}

	evt, err := e.Events.Append(ctx, tx, domain.SessionEvent{
		TS:      ts,
		Agent:   agent,
		Mission: missionID,
		Action:  domain.ActionStart,
		Status:  domain.EventStatusInProgress,
		Summary: summary,
	}, nil)
	if err != nil {
		return domain.SessionEvent{}, err
	}

	touch := contextdoc.Touch{
		Mission: missionID,
		Agent:   agent,
		Summary: summary,
		Action:  domain.ActionStart,
		TS:      ts,
	}

	project, err := e.Repo.GetContextTx(ctx, tx, contextdoc.ProjectContextID)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	contextdoc.TouchWorkingMemory(project, touch)
	if err := contextdoc.UpdateHealth(project, ts, true, e.sizeLimit()); err != nil {
		return domain.SessionEvent{}, err
	}
	if err := e.saveContext(ctx, tx, contextdoc.ProjectContextID, project, ts); err != nil {
		return domain.SessionEvent{}, err
	}

	master, err := e.Repo.GetContextTx(ctx, tx, contextdoc.MasterContextID)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	contextdoc.TouchWorkingMemory(master, touch)
	contextdoc.RemoveBlocker(contextdoc.NextSession(master), missionID)
	if err := contextdoc.UpdateHealth(master, ts, true, e.sizeLimit()); err != nil {
		return domain.SessionEvent{}, err
	}
	if err := e.saveContext(ctx, tx, contextdoc.MasterContextID, master, ts); err != nil {
		return domain.SessionEvent{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.SessionEvent{}, err
	}
	e.record("mission_start", map[string]any{"mission": missionID, "agent": agent})
	return evt, nil
}

// CompleteOptions parameterize a complete transition.
type CompleteOptions struct {
	Agent   string
	Summary string
	// Notes replaces the mission notes.
	Notes    string
	TS       string
	NextHint string
	// PromoteNext pulls the oldest queued mission forward after completion.
	PromoteNext bool
	// Immediate promotes straight to In Progress instead of Current.
	Immediate bool
}

// Complete finishes a mission and, when asked, promotes the oldest queued
// mission in the same transaction. Returns the session event and the id of
// the promoted mission, if any.
func (e Engine) Complete(ctx context.Context, missionID string, opts CompleteOptions) (domain.SessionEvent, string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SessionEvent{}, "", err
	}
	defer tx.Rollback()

	mission, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.SessionEvent{}, "", fmt.Errorf("mission %s: %w", missionID, err)
	}
	if mission.Status == domain.StatusCompleted {
		return domain.SessionEvent{}, "", fmt.Errorf("mission %s is already completed", missionID)
	}

	ts := opts.TS
	if ts == "" {
		ts = domain.FormatTS(e.now())
	}
	summary := opts.Summary
	if summary == "" {
		summary = fmt.Sprintf("Completed %s", missionID)
	}
	agent := e.agent(opts.Agent)

	meta, err := parseMetadata(mission.Metadata)
	if err != nil {
		return domain.SessionEvent{}, "", err
	}
	meta["completed_at"] = ts
	clearBlockedMarks(meta)
	mission.Metadata, err = encodeMetadata(meta)
	if err != nil {
		return domain.SessionEvent{}, "", err
	}
	mission.Status = domain.StatusCompleted
	mission.CompletedAt = &ts
	mission.Notes = opts.Notes
	if err := e.Repo.UpdateMissionTx(ctx, tx, mission); err != nil {
		return domain.SessionEvent{}, "", fmt.Errorf("update mission %s: %w", missionID, err)
	}

	promotedID := ""
	if opts.PromoteNext {
		next, err := e.Repo.OldestQueuedTx(ctx, tx)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// queue drained, nothing to pull forward
		case err != nil:
			return domain.SessionEvent{}, "", err
		default:
			nextMeta, err := parseMetadata(next.Metadata)
			if err != nil {
				return domain.SessionEvent{}, "", err
			}
			next.Status = domain.StatusCurrent
			if opts.Immediate {
				next.Status = domain.StatusInProgress
				nextMeta["started_at"] = ts
			} else {
				delete(nextMeta, "started_at")
			}
			next.Metadata, err = encodeMetadata(nextMeta)
			if err != nil {
				return domain.SessionEvent{}, "", err
			}
			if err := e.Repo.UpdateMissionTx(ctx, tx, next); err != nil {
				return domain.SessionEvent{}, "", fmt.Errorf("promote mission %s: %w", next.ID, err)
			}
			promotedID = next.ID
		}
	}

	nextHint := opts.NextHint
	if nextHint == "" && promotedID != "" {
		status := domain.StatusCurrent
		if opts.Immediate {
			status = domain.StatusInProgress
		}
		nextHint = fmt.Sprintf("%s is now %s", promotedID, status)
	}

	evt, err := e.Events.Append(ctx, tx, domain.SessionEvent{
		TS:       ts,
		Agent:    agent,
		Mission:  missionID,
		Action:   domain.ActionComplete,
		Status:   domain.EventStatusCompleted,
		Summary:  summary,
		NextHint: nextHint,
	}, nil)
	if err != nil {
		return domain.SessionEvent{}, "", err
	}

	// The promoted mission only becomes the active one when it was started
	// immediately; a Current promotion leaves the slot clear.
	touch := contextdoc.Touch{
		Mission: missionID,
		Agent:   agent,
		Summary: summary,
		Action:  domain.ActionComplete,
		TS:      ts,
	}
	if opts.Immediate {
		touch.NextMission = promotedID
	}

	project, err := e.Repo.GetContextTx(ctx, tx, contextdoc.ProjectContextID)
	if err != nil {
		return domain.SessionEvent{}, "", err
	}
	contextdoc.TouchWorkingMemory(project, touch)
	if err := contextdoc.UpdateHealth(project, ts, true, e.sizeLimit()); err != nil {
		return domain.SessionEvent{}, "", err
	}
	if err := e.saveContext(ctx, tx, contextdoc.ProjectContextID, project, ts); err != nil {
		return domain.SessionEvent{}, "", err
	}

	master, err := e.Repo.GetContextTx(ctx, tx, contextdoc.MasterContextID)
	if err != nil {
		return domain.SessionEvent{}, "", err
	}
	contextdoc.TouchWorkingMemory(master, touch)
	nextSession := contextdoc.NextSession(master)
	contextdoc.RemoveBlocker(nextSession, missionID)
	if promotedID != "" {
		contextdoc.AppendResumeNote(nextSession, fmt.Sprintf("Pick up %s", promotedID))
	}
	if err := contextdoc.UpdateHealth(master, ts, true, e.sizeLimit()); err != nil {
		return domain.SessionEvent{}, "", err
	}
	if err := e.saveContext(ctx, tx, contextdoc.MasterContextID, master, ts); err != nil {
		return domain.SessionEvent{}, "", err
	}

	if err := tx.Commit(); err != nil {
		return domain.SessionEvent{}, "", err
	}
	e.record("mission_complete", map[string]any{"mission": missionID, "agent": agent, "promoted": promotedID})
	return evt, promotedID, nil
}

// BlockOptions parameterize a block transition. Reason is required; Needs are
// the concrete items that would unblock the mission.
type BlockOptions struct {
	Agent    string
	Summary  string
	Reason   string
	Needs    []string
	TS       string
	NextHint string
}

// Block marks a mission Blocked and records the blocker in the master context
// so the next session sees it.
func (e Engine) Block(ctx context.Context, missionID string, opts BlockOptions) (domain.SessionEvent, error) {
	if opts.Reason == "" {
		return domain.SessionEvent{}, errors.New("block reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	defer tx.Rollback()

	mission, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.SessionEvent{}, fmt.Errorf("mission %s: %w", missionID, err)
	}
	if mission.Status == domain.StatusCompleted {
		return domain.SessionEvent{}, fmt.Errorf("mission %s is already completed", missionID)
	}

	ts := opts.TS
	if ts == "" {
		ts = domain.FormatTS(e.now())
	}
	summary := opts.Summary
	if summary == "" {
		summary = fmt.Sprintf("Blocked %s: %s", missionID, opts.Reason)
	}
	agent := e.agent(opts.Agent)

	meta, err := parseMetadata(mission.Metadata)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	meta["blocked_at"] = ts
	meta["blocked_reason"] = opts.Reason
	if len(opts.Needs) > 0 {
		needs := make([]any, 0, len(opts.Needs))
		for _, n := range opts.Needs {
			needs = append(needs, n)
		}
		meta["blocked_needs"] = needs
	} else {
		delete(meta, "blocked_needs")
	}
	mission.Metadata, err = encodeMetadata(meta)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	mission.Status = domain.StatusBlocked
	mission.Notes = opts.Reason
	mission.CompletedAt = nil
	if err := e.Repo.UpdateMissionTx(ctx, tx, mission); err != nil {
		return domain.SessionEvent{}, fmt.Errorf("update mission %s: %w", missionID, err)
	}

	extra := events.Payload{"reason": opts.Reason}
	if len(opts.Needs) > 0 {
		extra["needs"] = opts.Needs
	}
	evt, err := e.Events.Append(ctx, tx, domain.SessionEvent{
		TS:       ts,
		Agent:    agent,
		Mission:  missionID,
		Action:   domain.ActionBlocked,
		Status:   domain.EventStatusBlocked,
		Summary:  summary,
		NextHint: opts.NextHint,
	}, extra)
	if err != nil {
		return domain.SessionEvent{}, err
	}

	touch := contextdoc.Touch{
		Mission: missionID,
		Agent:   agent,
		Summary: summary,
		Action:  domain.ActionBlocked,
		TS:      ts,
	}

	project, err := e.Repo.GetContextTx(ctx, tx, contextdoc.ProjectContextID)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	contextdoc.TouchWorkingMemory(project, touch)
	if err := contextdoc.UpdateHealth(project, ts, true, e.sizeLimit()); err != nil {
		return domain.SessionEvent{}, err
	}
	if err := e.saveContext(ctx, tx, contextdoc.ProjectContextID, project, ts); err != nil {
		return domain.SessionEvent{}, err
	}

	master, err := e.Repo.GetContextTx(ctx, tx, contextdoc.MasterContextID)
	if err != nil {
		return domain.SessionEvent{}, err
	}
	contextdoc.TouchWorkingMemory(master, touch)
	contextdoc.RecordBlocker(contextdoc.NextSession(master), contextdoc.Blocker{
		Mission: missionID,
		TS:      ts,
		Summary: summary,
		Reason:  opts.Reason,
		Needs:   opts.Needs,
	})
	if err := contextdoc.UpdateHealth(master, ts, true, e.sizeLimit()); err != nil {
		return domain.SessionEvent{}, err
	}
	if err := e.saveContext(ctx, tx, contextdoc.MasterContextID, master, ts); err != nil {
		return domain.SessionEvent{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.SessionEvent{}, err
	}
	e.record("mission_block", map[string]any{"mission": missionID, "agent": agent, "reason": opts.Reason})
	return evt, nil
}

// NextCandidate returns the mission the queue would hand out next.
func (e Engine) NextCandidate(ctx context.Context) (domain.Mission, error) {
	return e.Repo.NextCandidate(ctx)
}

// AddMission registers a new mission; status defaults to Queued and a
// deterministic id is derived from the name and timestamp when none is given.
func (e Engine) AddMission(ctx context.Context, m domain.Mission) (domain.Mission, error) {
	if m.ID == "" {
		m.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(m.Name+"|"+domain.FormatTS(e.now()))).String()
	}
	if m.Name == "" {
		return domain.Mission{}, errors.New("mission name is required")
	}
	if m.Status == "" {
		m.Status = domain.StatusQueued
	}
	if !domain.ValidStatus(m.Status) {
		return domain.Mission{}, fmt.Errorf("invalid status %q", m.Status)
	}
	if m.Status == domain.StatusCompleted && m.CompletedAt == nil {
		ts := domain.FormatTS(e.now())
		m.CompletedAt = &ts
	}
	if _, err := parseMetadata(m.Metadata); err != nil {
		return domain.Mission{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetMissionTx(ctx, tx, m.ID); err == nil {
		return domain.Mission{}, fmt.Errorf("mission %s already exists", m.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Mission{}, err
	}
	if m.SprintID != nil {
		if err := e.ensureSprintTx(ctx, tx, *m.SprintID); err != nil {
			return domain.Mission{}, err
		}
	}
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission %s: %w", m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func (e Engine) ensureSprintTx(ctx context.Context, tx *sql.Tx, sprintID string) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sprints WHERE id=?`, sprintID).Scan(&exists)
	if err == sql.ErrNoRows {
		return e.Repo.UpsertSprintTx(ctx, tx, domain.Sprint{ID: sprintID})
	}
	return err
}

// UpdateMission applies a sparse admin update; status values are validated,
// everything else passes through.
func (e Engine) UpdateMission(ctx context.Context, id string, fields map[string]any) (domain.Mission, error) {
	if status, ok := fields["status"].(string); ok && !domain.ValidStatus(status) {
		return domain.Mission{}, fmt.Errorf("invalid status %q", status)
	}
	if metadata, ok := fields["metadata"].(string); ok {
		if _, err := parseMetadata(metadata); err != nil {
			return domain.Mission{}, err
		}
	}
	if err := e.Repo.UpdateMissionFields(ctx, id, fields); err != nil {
		return domain.Mission{}, fmt.Errorf("update mission %s: %w", id, err)
	}
	return e.Repo.GetMission(ctx, id)
}

// AddDependency records an advisory edge between two existing missions.
func (e Engine) AddDependency(ctx context.Context, d domain.Dependency) error {
	if d.FromID == "" || d.ToID == "" {
		return errors.New("dependency requires both mission ids")
	}
	if d.FromID == d.ToID {
		return fmt.Errorf("mission %s cannot depend on itself", d.FromID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range []string{d.FromID, d.ToID} {
		if _, err := e.Repo.GetMissionTx(ctx, tx, id); err != nil {
			return fmt.Errorf("mission %s: %w", id, err)
		}
	}
	if err := e.Repo.UpsertDependencyTx(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit()
}

// AddSprint registers or updates a sprint.
func (e Engine) AddSprint(ctx context.Context, s domain.Sprint) error {
	if s.ID == "" {
		return errors.New("sprint id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertSprintTx(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

// HealthCheck pings the database and reports table counts plus the schema
// version, mirroring what the telemetry sink records.
func (e Engine) HealthCheck(ctx context.Context) (domain.HealthStatus, error) {
	if err := e.DB.PingContext(ctx); err != nil {
		return domain.HealthStatus{OK: false, Message: fmt.Sprintf("ping failed: %v", err)}, nil
	}
	details := map[string]any{}

	counts, err := e.Repo.CountMissionsByStatus(ctx)
	if err != nil {
		return domain.HealthStatus{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	details["missions"] = total
	details["missions_by_status"] = counts

	var eventCount, snapshotCount int
	if err := e.DB.QueryRowContext(ctx, `SELECT count(*) FROM session_events`).Scan(&eventCount); err != nil {
		return domain.HealthStatus{}, err
	}
	if err := e.DB.QueryRowContext(ctx, `SELECT count(*) FROM context_snapshots`).Scan(&snapshotCount); err != nil {
		return domain.HealthStatus{}, err
	}
	details["session_events"] = eventCount
	details["context_snapshots"] = snapshotCount

	var schemaVersion sql.NullInt64
	if err := e.DB.QueryRowContext(ctx, `SELECT max(version) FROM schema_version`).Scan(&schemaVersion); err == nil && schemaVersion.Valid {
		details["schema_version"] = schemaVersion.Int64
	}

	status := domain.HealthStatus{OK: true, Message: "database healthy", Details: details}
	e.record("health_check", details)
	return status, nil
}
