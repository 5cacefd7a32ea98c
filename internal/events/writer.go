package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"missionctl/internal/domain"
)

// Writer appends session events inside the caller's transaction. Events are
// immutable once written; ordering is the insertion sequence.
type Writer struct {
	DB *sql.DB
}

// Payload carries the extra self-describing fields (needs, reason) that live
// only in the canonical raw form.
type Payload map[string]any

// Append inserts one session event and returns it with its canonical raw
// serialized form filled in.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.SessionEvent, extra Payload) (domain.SessionEvent, error) {
	payload := Payload{
		"ts":      evt.TS,
		"agent":   evt.Agent,
		"mission": evt.Mission,
		"action":  evt.Action,
		"status":  evt.Status,
		"summary": evt.Summary,
	}
	if evt.NextHint != "" {
		payload["next_hint"] = evt.NextHint
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return evt, fmt.Errorf("marshal session event: %w", err)
	}
	evt.Raw = string(raw)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (ts, agent, mission, action, status, summary, next_hint, raw_event)
VALUES (?,?,?,?,?,?,?,?)`,
		evt.TS, evt.Agent, evt.Mission, evt.Action, evt.Status, evt.Summary, nullable(evt.NextHint), evt.Raw)
	if err != nil {
		return evt, fmt.Errorf("insert session event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		evt.ID = id
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
