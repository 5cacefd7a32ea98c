// Package contextdoc models the two context singletons ("project_context",
// "master_context") as schema-free JSON value trees and owns every structural
// invariant: the bounded session history, blocker uniqueness, and list
// deduplication. Callers mutate documents only through these helpers.
package contextdoc

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const (
	ProjectContextID = "project_context"
	MasterContextID  = "master_context"

	// MaxSessionHistory bounds working_memory.session_history; the oldest
	// entries are dropped first.
	MaxSessionHistory = 50

	DefaultSizeLimitKB = 100
)

// Doc is a context document: a JSON object of primitives, lists, and nested
// objects with no compile-time schema.
type Doc map[string]any

// Clone returns a deep copy so callers never alias the stored tree.
func Clone(d Doc) Doc {
	if d == nil {
		return Doc{}
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Parse decodes a serialized document; an empty payload yields an empty Doc.
func Parse(data []byte) (Doc, error) {
	if len(data) == 0 {
		return Doc{}, nil
	}
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("context document: %w", err)
	}
	if d == nil {
		d = Doc{}
	}
	return d, nil
}

func ensureMap(container map[string]any, key string) map[string]any {
	if m, ok := container[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	container[key] = m
	return m
}

func ensureList(container map[string]any, key string) []any {
	if l, ok := container[key].([]any); ok {
		return l
	}
	l := []any{}
	container[key] = l
	return l
}

func intFrom(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// Touch describes one working-memory update.
type Touch struct {
	Mission string
	Agent   string
	Summary string
	Action  string
	TS      string
	// NextMission becomes the active mission on a complete action; empty
	// clears it.
	NextMission string
}

// TouchWorkingMemory applies a lifecycle transition to working_memory: appends
// a session history entry (capped), bumps counters, and maintains the
// active_mission / blocked_missions bookkeeping per action.
func TouchWorkingMemory(d Doc, t Touch) {
	working := ensureMap(d, "working_memory")

	history := ensureList(working, "session_history")
	kept := make([]any, 0, len(history)+1)
	for _, item := range history {
		if _, ok := item.(map[string]any); ok {
			kept = append(kept, item)
		}
	}
	kept = append(kept, map[string]any{
		"mission": t.Mission,
		"agent":   t.Agent,
		"summary": t.Summary,
		"action":  t.Action,
		"ts":      t.TS,
	})
	if len(kept) > MaxSessionHistory {
		kept = kept[len(kept)-MaxSessionHistory:]
	}
	working["session_history"] = kept

	working["last_session"] = t.TS
	working["session_count"] = intFrom(working["session_count"]) + 1

	switch t.Action {
	case "start":
		working["active_mission"] = t.Mission
	case "complete":
		if t.NextMission != "" {
			working["active_mission"] = t.NextMission
		} else {
			working["active_mission"] = nil
		}
		working["last_completed_mission"] = t.Mission
	case "blocked":
		working["active_mission"] = nil
		working["last_blocked_mission"] = t.Mission
	}

	blocked := ensureList(working, "blocked_missions")
	if t.Action == "blocked" {
		if !containsString(blocked, t.Mission) {
			blocked = append(blocked, t.Mission)
		}
	} else {
		blocked = removeString(blocked, t.Mission)
	}
	working["blocked_missions"] = blocked
}

func containsString(list []any, s string) bool {
	for _, item := range list {
		if str, ok := item.(string); ok && str == s {
			return true
		}
	}
	return false
}

func removeString(list []any, s string) []any {
	out := make([]any, 0, len(list))
	for _, item := range list {
		if str, ok := item.(string); ok && str == s {
			continue
		}
		out = append(out, item)
	}
	return out
}

// NextSession returns master's next_session_context, creating it when absent.
func NextSession(d Doc) map[string]any {
	return ensureMap(d, "next_session_context")
}

// RemoveBlocker drops the blocker entry for a mission along with any reminder
// or resume note whose serialized form references the mission id. Emptied
// lists are removed entirely.
func RemoveBlocker(nextSession map[string]any, missionID string) {
	if blockers, ok := nextSession["blockers"].([]any); ok {
		filtered := make([]any, 0, len(blockers))
		for _, item := range blockers {
			if entry, ok := item.(map[string]any); ok {
				if m, _ := entry["mission"].(string); m == missionID {
					continue
				}
			}
			filtered = append(filtered, item)
		}
		if len(filtered) > 0 {
			nextSession["blockers"] = filtered
		} else {
			delete(nextSession, "blockers")
		}
	}

	for _, key := range []string{"important_reminders", "when_we_resume"} {
		items, ok := nextSession[key].([]any)
		if !ok {
			continue
		}
		updated := make([]any, 0, len(items))
		for _, item := range items {
			serialized, err := json.Marshal(item)
			if err == nil && strings.Contains(string(serialized), missionID) {
				continue
			}
			updated = append(updated, item)
		}
		if len(updated) > 0 {
			nextSession[key] = updated
		} else {
			delete(nextSession, key)
		}
	}
}

// Blocker describes a blocked mission entry.
type Blocker struct {
	Mission string
	TS      string
	Summary string
	Reason  string
	Needs   []string
}

// RecordBlocker overwrites the single blocker entry for a mission and appends
// the deduplicated reminder and resume notes derived from it.
func RecordBlocker(nextSession map[string]any, b Blocker) {
	blockers := ensureList(nextSession, "blockers")
	filtered := make([]any, 0, len(blockers)+1)
	for _, item := range blockers {
		if entry, ok := item.(map[string]any); ok {
			if m, _ := entry["mission"].(string); m == b.Mission {
				continue
			}
		}
		filtered = append(filtered, item)
	}
	needs := make([]any, 0, len(b.Needs))
	for _, need := range b.Needs {
		needs = append(needs, need)
	}
	filtered = append(filtered, map[string]any{
		"mission":     b.Mission,
		"recorded_at": b.TS,
		"summary":     b.Summary,
		"reason":      b.Reason,
		"needs":       needs,
	})
	nextSession["blockers"] = filtered

	reminder := fmt.Sprintf("%s: %s", b.Mission, b.Reason)
	reminders := ensureList(nextSession, "important_reminders")
	if !containsString(reminders, reminder) {
		nextSession["important_reminders"] = append(reminders, reminder)
	}

	if len(b.Needs) > 0 {
		resume := ensureList(nextSession, "when_we_resume")
		for _, need := range b.Needs {
			note := fmt.Sprintf("%s -> %s", b.Mission, need)
			if !containsString(resume, note) {
				resume = append(resume, note)
			}
		}
		nextSession["when_we_resume"] = resume
	}
}

// AppendResumeNote adds a deduplicated follow-up note to when_we_resume.
func AppendResumeNote(nextSession map[string]any, note string) {
	resume := ensureList(nextSession, "when_we_resume")
	if !containsString(resume, note) {
		nextSession["when_we_resume"] = append(resume, note)
	}
}

// UpdateHealth recomputes context_health after a mutation: bumps
// sessions_since_reset when asked, stamps last_update, and recomputes size_kb
// from the serialized byte length. size_limit_kb is advisory only and is set
// only when absent.
func UpdateHealth(d Doc, ts string, incrementSessions bool, sizeLimitKB int) error {
	health := ensureMap(d, "context_health")
	if incrementSessions {
		health["sessions_since_reset"] = intFrom(health["sessions_since_reset"]) + 1
	}
	health["last_update"] = ts

	serialized, err := json.Marshal(map[string]any(d))
	if err != nil {
		return fmt.Errorf("serialize context for health: %w", err)
	}
	sizeKB := float64(len(serialized)) / 1024
	health["size_kb"] = math.Round(sizeKB*100) / 100
	if _, ok := health["size_limit_kb"]; !ok {
		if sizeLimitKB <= 0 {
			sizeLimitKB = DefaultSizeLimitKB
		}
		health["size_limit_kb"] = sizeLimitKB
	}
	return nil
}

// SessionHint extracts a session identifier from working memory, used to tag
// snapshots.
func SessionHint(d Doc) string {
	working, _ := d["working_memory"].(map[string]any)
	if working == nil {
		return ""
	}
	for _, key := range []string{"current_session", "active_mission", "last_session"} {
		if value := working[key]; value != nil {
			if s, ok := value.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
