// Package merge reconciles two independently-evolved copies of the context
// documents and session logs. The destination copy is authoritative; the
// source copy only backfills values the destination never captured
// (sparse-fill), and session logs are deduplicated then re-ordered by
// timestamp. Merge conflicts are resolved deterministically; the only failure
// is input that cannot be parsed at all.
package merge

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"missionctl/internal/contextdoc"
	"missionctl/internal/domain"
	"missionctl/internal/repo"
	"missionctl/internal/snapshot"
)

// rawKey holds each session entry's original serialized line, carried for
// audit fidelity and stripped before re-serialization.
const rawKey = "__raw__"

// Entry is one session log record.
type Entry map[string]any

type Merger struct {
	Now func() time.Time
	// SourceVersion tags the migration marker; defaults to "v1".
	SourceVersion string
}

func (m Merger) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Merger) sourceVersion() string {
	if m.SourceVersion != "" {
		return m.SourceVersion
	}
	return "v1"
}

// ParseSessionLine decodes one session log line: strict JSON first, then the
// loose `{key: value}` legacy format, then a YAML mapping. Anything else is an
// error; unparseable history aborts the merge rather than being dropped.
func ParseSessionLine(line string) (Entry, error) {
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(stripped), &entry); err == nil && entry != nil {
		entry[rawKey] = stripped
		return entry, nil
	}
	if entry, err := parseLooseMapping(stripped); err == nil {
		entry[rawKey] = stripped
		return entry, nil
	}
	var loaded map[string]any
	if err := yaml.Unmarshal([]byte(stripped), &loaded); err == nil && loaded != nil {
		entry = Entry(loaded)
		entry[rawKey] = stripped
		return entry, nil
	}
	return nil, fmt.Errorf("invalid session entry: %s", stripped)
}

// parseLooseMapping handles the legacy `{key: value, ...}` format with manual
// quote and bracket tracking. Best-effort shim for hand-edited history, not a
// general parser.
func parseLooseMapping(payload string) (Entry, error) {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, fmt.Errorf("unsupported loose mapping format")
	}
	body := trimmed[1 : len(trimmed)-1]

	var segments []string
	start := 0
	depth := 0
	inQuotes := false
	prev := byte(0)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '"' && prev != '\\' {
			inQuotes = !inQuotes
		}
		if inQuotes {
			prev = c
			continue
		}
		switch {
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			if depth > 0 {
				depth--
			}
		case c == ',' && depth == 0:
			segments = append(segments, body[start:i])
			start = i + 1
		}
		prev = c
	}
	segments = append(segments, body[start:])

	result := Entry{}
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			continue
		}
		colon := strings.Index(segment, ":")
		if colon < 0 {
			return nil, fmt.Errorf("loose mapping entry missing colon")
		}
		key := strings.Trim(strings.TrimSpace(segment[:colon]), `"'`)
		value := strings.TrimSpace(segment[colon+1:])
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		result[key] = value
	}
	return result, nil
}

// LoadSessions reads a JSONL session log; a missing file is an empty log.
func LoadSessions(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry, err := ParseSessionLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if entry != nil {
			entries = append(entries, entry)
		}
	}
	return entries, scanner.Err()
}

// WriteSessions rewrites a JSONL session log, one entry per line, with the
// carried raw form stripped.
func WriteSessions(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	for _, entry := range entries {
		line, err := json.Marshal(withoutRaw(entry))
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func withoutRaw(entry Entry) map[string]any {
	out := make(map[string]any, len(entry))
	for k, v := range entry {
		if k == rawKey {
			continue
		}
		out[k] = v
	}
	return out
}

func entryString(entry Entry, keys ...string) string {
	for _, key := range keys {
		if v, ok := entry[key]; ok && v != nil {
			if s, ok := v.(string); ok {
				if s != "" {
					return s
				}
				continue
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

type sessionKey struct {
	session, ts, status, summary string
}

func keyOf(entry Entry) sessionKey {
	return sessionKey{
		session: entryString(entry, "session_id"),
		ts:      entryString(entry, "timestamp", "ts"),
		status:  entryString(entry, "type", "status"),
		summary: entryString(entry, "summary"),
	}
}

// parseTimestamp is forgiving: numbers are unix seconds, strings are ISO-8601
// with or without zone; anything unparseable sorts as the minimum instant.
func parseTimestamp(v any) time.Time {
	switch value := v.(type) {
	case float64:
		return time.Unix(int64(value), 0).UTC()
	case int:
		return time.Unix(int64(value), 0).UTC()
	case int64:
		return time.Unix(value, 0).UTC()
	case string:
		candidate := strings.TrimSpace(value)
		if candidate == "" {
			return time.Time{}
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, candidate); err == nil {
				return t.UTC()
			}
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

// Sessions merges two session logs: entries are deduplicated by the
// (session, timestamp, status, summary) composite key with the new log's
// variant winning, then sorted by parsed timestamp ascending. Entries keep
// their original raw form; entries without one get a fresh serialization.
func Sessions(old, latest []Entry) ([]Entry, error) {
	type slot struct {
		entry Entry
		order int
	}
	combined := map[sessionKey]slot{}
	keys := make([]sessionKey, 0, len(old)+len(latest))
	order := 0
	for _, source := range [][]Entry{latest, old} {
		for _, entry := range source {
			if entry == nil {
				continue
			}
			key := keyOf(entry)
			if _, seen := combined[key]; seen {
				continue
			}
			combined[key] = slot{entry: entry, order: order}
			keys = append(keys, key)
			order++
		}
	}

	sort.SliceStable(keys, func(i, j int) bool {
		a, b := combined[keys[i]], combined[keys[j]]
		ta := parseTimestamp(a.entry["timestamp"])
		if ta.IsZero() {
			ta = parseTimestamp(a.entry["ts"])
		}
		tb := parseTimestamp(b.entry["timestamp"])
		if tb.IsZero() {
			tb = parseTimestamp(b.entry["ts"])
		}
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		if keys[i].session != keys[j].session {
			return keys[i].session < keys[j].session
		}
		return a.order < b.order
	})

	merged := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entry := combined[key].entry
		out := make(Entry, len(entry)+1)
		for k, v := range entry {
			out[k] = v
		}
		if _, ok := out[rawKey].(string); !ok || out[rawKey] == "" {
			serialized, err := json.Marshal(withoutRaw(out))
			if err != nil {
				return nil, err
			}
			out[rawKey] = string(serialized)
		}
		merged = append(merged, out)
	}
	return merged, nil
}

// shouldReplace implements the sparse-fill rule: adopt the incoming value only
// when the current one is empty (nil, blank string, empty collection, or zero
// number) and the incoming one is not.
func shouldReplace(current, incoming any) bool {
	if incoming == nil {
		return false
	}
	switch cur := current.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(cur) == "" && !isEmptyValue(incoming)
	case []any:
		return len(cur) == 0 && !isEmptyValue(incoming)
	case map[string]any:
		return len(cur) == 0 && !isEmptyValue(incoming)
	case float64:
		return cur == 0 && incoming != "" && incoming != nil
	case int:
		return cur == 0 && incoming != "" && incoming != nil
	default:
		return false
	}
}

func isEmptyValue(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return value == ""
	case []any:
		return len(value) == 0
	case map[string]any:
		return len(value) == 0
	case float64:
		return value == 0
	case bool:
		return !value
	default:
		return false
	}
}

func (m Merger) stampMarker(doc contextdoc.Doc) {
	metadata, ok := doc["metadata"].(map[string]any)
	if !ok {
		metadata = map[string]any{}
		doc["metadata"] = metadata
	}
	metadata["migrated_at"] = domain.FormatTS(m.now())
	metadata["source_version"] = m.sourceVersion()
}

// ProjectContext merges the flat legacy project document into the destination
// one. The destination wins; legacy fields fill only holes, mapped onto the
// structured layout (project, working_memory, technical_context).
func (m Merger) ProjectContext(old, latest contextdoc.Doc) contextdoc.Doc {
	merged := contextdoc.Clone(latest)

	project, ok := merged["project"].(map[string]any)
	if !ok {
		project = map[string]any{}
		merged["project"] = project
	}
	for _, pair := range [][2]string{
		{"name", "project_name"},
		{"version", "version"},
		{"start_date", "created"},
		{"status", "status"},
	} {
		if shouldReplace(project[pair[0]], old[pair[1]]) {
			project[pair[0]] = old[pair[1]]
		}
	}

	workingOld, _ := old["working_memory"].(map[string]any)
	working, ok := merged["working_memory"].(map[string]any)
	if !ok {
		working = map[string]any{}
		merged["working_memory"] = working
	}
	for _, field := range []string{"active_domain", "session_count", "last_session", "active_mission"} {
		if shouldReplace(working[field], workingOld[field]) {
			working[field] = workingOld[field]
		}
	}
	if domains := workingOld["domains"]; !isEmptyValue(domains) && isEmptyValue(working["domains"]) {
		working["domains"] = domains
	}
	if domains := old["domains"]; !isEmptyValue(domains) && isEmptyValue(working["domains"]) {
		working["domains"] = domains
	}

	technical, ok := merged["technical_context"].(map[string]any)
	if !ok {
		technical = map[string]any{}
		merged["technical_context"] = technical
	}
	for _, field := range []string{"mission_planning", "current_sprint"} {
		if value := old[field]; !isEmptyValue(value) {
			if _, present := technical[field]; !present {
				technical[field] = value
			}
		}
	}

	if value := old["ai_instructions"]; !isEmptyValue(value) {
		if _, present := merged["ai_instructions"]; !present {
			merged["ai_instructions"] = value
		}
	}

	m.stampMarker(merged)
	return merged
}

// MasterContext merges the legacy master document into the destination one by
// structural recursion: objects merge key-by-key, lists union with source
// items appended, scalars sparse-fill.
func (m Merger) MasterContext(old, latest contextdoc.Doc) contextdoc.Doc {
	merged := contextdoc.Clone(latest)
	deepMerge(merged, map[string]any(old))
	m.stampMarker(merged)
	return merged
}

func deepMerge(target, incoming map[string]any) {
	for key, value := range incoming {
		switch val := value.(type) {
		case map[string]any:
			node, ok := target[key].(map[string]any)
			if !ok {
				node = map[string]any{}
				target[key] = node
			}
			deepMerge(node, val)
		case []any:
			if isEmptyValue(target[key]) {
				target[key] = val
				continue
			}
			// a non-empty non-list destination stays as-is
			existing, ok := target[key].([]any)
			if !ok {
				continue
			}
			for _, item := range val {
				if !containsValue(existing, item) {
					existing = append(existing, item)
				}
			}
			target[key] = existing
		default:
			if shouldReplace(target[key], value) {
				target[key] = value
			}
		}
	}
}

func containsValue(list []any, item any) bool {
	for _, existing := range list {
		if reflect.DeepEqual(existing, item) {
			return true
		}
	}
	return false
}

// Result carries the output of a full merge invocation.
type Result struct {
	Project  contextdoc.Doc
	Master   contextdoc.Doc
	Sessions []Entry
}

// Merge reconciles both context documents and both session logs in one call.
func (m Merger) Merge(oldProject, newProject, oldMaster, newMaster contextdoc.Doc, oldSessions, newSessions []Entry) (Result, error) {
	sessions, err := Sessions(oldSessions, newSessions)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Project:  m.ProjectContext(oldProject, newProject),
		Master:   m.MasterContext(oldMaster, newMaster),
		Sessions: sessions,
	}, nil
}

// SyncOptions name the file origins recorded on the synced rows.
type SyncOptions struct {
	ProjectSource string
	MasterSource  string
}

// SyncStore writes a merge result into the database in one transaction: both
// context documents (with snapshots) and a full rewrite of the session event
// log.
func (m Merger) SyncStore(ctx context.Context, db *sql.DB, res Result, opts SyncOptions) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	store := snapshot.Store{Now: m.now}
	ts := domain.FormatTS(m.now())
	if _, err := store.Save(ctx, tx, contextdoc.ProjectContextID, res.Project, snapshot.Options{
		SessionID:  contextdoc.SessionHint(res.Project),
		Source:     "merge",
		SourcePath: opts.ProjectSource,
		CreatedAt:  ts,
	}); err != nil {
		return err
	}
	if _, err := store.Save(ctx, tx, contextdoc.MasterContextID, res.Master, snapshot.Options{
		SessionID:  contextdoc.SessionHint(res.Master),
		Source:     "merge",
		SourcePath: opts.MasterSource,
		CreatedAt:  ts,
	}); err != nil {
		return err
	}

	events := make([]domain.SessionEvent, 0, len(res.Sessions))
	for _, entry := range res.Sessions {
		raw, _ := entry[rawKey].(string)
		if raw == "" {
			serialized, err := json.Marshal(withoutRaw(entry))
			if err != nil {
				return err
			}
			raw = string(serialized)
		}
		events = append(events, domain.SessionEvent{
			TS:       entryString(entry, "timestamp", "ts"),
			Agent:    entryString(entry, "agent"),
			Mission:  entryString(entry, "mission"),
			Action:   entryString(entry, "action"),
			Status:   entryString(entry, "status", "type"),
			Summary:  entryString(entry, "summary"),
			NextHint: entryString(entry, "next_hint"),
			Raw:      raw,
		})
	}
	r := repo.Repo{DB: db}
	if err := r.ReplaceSessionEventsTx(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}
