package merge_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"missionctl/internal/contextdoc"
	"missionctl/internal/db"
	"missionctl/internal/merge"
	"missionctl/internal/migrate"
	"missionctl/internal/repo"
)

func fixedMerger() merge.Merger {
	return merge.Merger{
		Now:           func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		SourceVersion: "test-v1",
	}
}

func TestParseSessionLineJSON(t *testing.T) {
	entry, err := merge.ParseSessionLine(`{"mission":"M1","ts":"2024-05-01T10:00:00Z","summary":"did work"}`)
	require.NoError(t, err)
	require.Equal(t, "M1", entry["mission"])
	require.Equal(t, `{"mission":"M1","ts":"2024-05-01T10:00:00Z","summary":"did work"}`, entry["__raw__"])
}

func TestParseSessionLineLooseMapping(t *testing.T) {
	entry, err := merge.ParseSessionLine(`{mission: M1, summary: "fixed the, parser", ts: 2024-05-01T10:00:00Z}`)
	require.NoError(t, err)
	require.Equal(t, "M1", entry["mission"])
	require.Equal(t, "fixed the, parser", entry["summary"])
	require.Equal(t, "2024-05-01T10:00:00Z", entry["ts"])
}

func TestParseSessionLineLooseNestedBrackets(t *testing.T) {
	entry, err := merge.ParseSessionLine(`{mission: M1, needs: [key, access], summary: done}`)
	require.NoError(t, err)
	require.Equal(t, "[key, access]", entry["needs"], "nested brackets stay opaque, not split on commas")
}

func TestParseSessionLineBlankAndInvalid(t *testing.T) {
	entry, err := merge.ParseSessionLine("   ")
	require.NoError(t, err)
	require.Nil(t, entry)

	_, err = merge.ParseSessionLine("not a mapping at all")
	require.Error(t, err)
}

func TestSessionsDedupNewWins(t *testing.T) {
	old := []merge.Entry{
		{"session_id": "s1", "ts": "2024-05-01T10:00:00Z", "status": "completed", "summary": "done", "detail": "old", "__raw__": "old-raw"},
	}
	latest := []merge.Entry{
		{"session_id": "s1", "ts": "2024-05-01T10:00:00Z", "status": "completed", "summary": "done", "detail": "new", "__raw__": "new-raw"},
	}
	merged, err := merge.Sessions(old, latest)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.Equal(t, "new", merged[0]["detail"])
	require.Equal(t, "new-raw", merged[0]["__raw__"], "original raw form preserved")
}

func TestSessionsSortByTimestamp(t *testing.T) {
	old := []merge.Entry{
		{"session_id": "s3", "ts": "2024-05-03T00:00:00Z", "summary": "third"},
		{"session_id": "s0", "ts": "garbage", "summary": "unparseable"},
	}
	latest := []merge.Entry{
		{"session_id": "s1", "ts": "2024-05-01T00:00:00Z", "summary": "first"},
		{"session_id": "s2", "timestamp": "2024-05-02T00:00:00Z", "summary": "second"},
	}
	merged, err := merge.Sessions(old, latest)
	require.NoError(t, err)
	require.Len(t, merged, 4)
	require.Equal(t, "unparseable", merged[0]["summary"], "unparseable timestamps sort first")
	require.Equal(t, "first", merged[1]["summary"])
	require.Equal(t, "second", merged[2]["summary"])
	require.Equal(t, "third", merged[3]["summary"])

	// entries without a raw form get a fresh serialization
	for _, entry := range merged {
		require.NotEmpty(t, entry["__raw__"])
	}
}

func TestProjectContextSparseFill(t *testing.T) {
	old := contextdoc.Doc{
		"project_name": "legacy-name",
		"version":      "0.9",
		"created":      "2023-01-01",
		"status":       "active",
		"working_memory": map[string]any{
			"session_count": float64(12),
			"last_session":  "2024-04-30T00:00:00Z",
		},
		"mission_planning": map[string]any{"horizon": "Q3"},
		"ai_instructions":  []any{"be careful"},
	}
	latest := contextdoc.Doc{
		"project": map[string]any{
			"name":   "current-name", // non-empty destination wins
			"status": "",             // blank destination gets backfilled
		},
		"working_memory": map[string]any{
			"session_count": float64(0), // zero number counts as empty
			"last_session":  "2024-05-01T00:00:00Z",
		},
	}

	merged := fixedMerger().ProjectContext(old, latest)

	project := merged["project"].(map[string]any)
	require.Equal(t, "current-name", project["name"])
	require.Equal(t, "0.9", project["version"])
	require.Equal(t, "2023-01-01", project["start_date"])
	require.Equal(t, "active", project["status"])

	working := merged["working_memory"].(map[string]any)
	require.EqualValues(t, 12, working["session_count"])
	require.Equal(t, "2024-05-01T00:00:00Z", working["last_session"], "destination value kept")

	technical := merged["technical_context"].(map[string]any)
	require.Equal(t, map[string]any{"horizon": "Q3"}, technical["mission_planning"])
	require.Equal(t, []any{"be careful"}, merged["ai_instructions"])

	metadata := merged["metadata"].(map[string]any)
	require.Equal(t, "2024-05-01T12:00:00Z", metadata["migrated_at"])
	require.Equal(t, "test-v1", metadata["source_version"])

	// input documents are not mutated
	require.NotContains(t, latest, "metadata")
}

func TestMasterContextDeepMerge(t *testing.T) {
	old := contextdoc.Doc{
		"vision": map[string]any{
			"goals":    []any{"ship", "learn"},
			"timeline": "2024",
		},
		"principles": []any{"small steps"},
	}
	latest := contextdoc.Doc{
		"vision": map[string]any{
			"goals":    []any{"ship", "scale"},
			"timeline": "",
		},
	}

	merged := fixedMerger().MasterContext(old, latest)

	vision := merged["vision"].(map[string]any)
	require.Equal(t, []any{"ship", "scale", "learn"}, vision["goals"], "lists union, source appended after destination")
	require.Equal(t, "2024", vision["timeline"], "blank scalar backfilled")
	require.Equal(t, []any{"small steps"}, merged["principles"])
}

func TestMasterContextListNeverClobbersScalar(t *testing.T) {
	old := contextdoc.Doc{
		"focus":  []any{"auth", "billing"},
		"themes": []any{"reliability"},
	}
	latest := contextdoc.Doc{
		"focus":  "shipping v2",
		"themes": "",
	}

	merged := fixedMerger().MasterContext(old, latest)

	require.Equal(t, "shipping v2", merged["focus"], "non-empty destination wins over a source list")
	require.Equal(t, []any{"reliability"}, merged["themes"], "empty destination adopts the source list")
}

func TestMasterContextMergeIdempotent(t *testing.T) {
	doc := contextdoc.Doc{
		"vision":     map[string]any{"goals": []any{"ship"}, "nested": map[string]any{"k": "v"}},
		"principles": []any{"small steps"},
		"count":      float64(3),
	}
	merged := fixedMerger().MasterContext(doc, doc)

	// equal to the input except for the migration marker
	delete(merged, "metadata")
	require.Equal(t, map[string]any(doc), map[string]any(merged))
}

func TestLoadAndWriteSessions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SESSIONS.jsonl")
	content := `{"mission":"M1","ts":"2024-05-01T10:00:00Z","summary":"strict"}
{mission: M2, ts: 2024-05-01T11:00:00Z, summary: loose}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, err := merge.LoadSessions(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "M2", entries[1]["mission"])

	// missing file is an empty log, not an error
	empty, err := merge.LoadSessions(filepath.Join(dir, "absent.jsonl"))
	require.NoError(t, err)
	require.Nil(t, empty)

	out := filepath.Join(dir, "out.jsonl")
	require.NoError(t, merge.WriteSessions(out, entries))
	reloaded, err := merge.LoadSessions(out)
	require.NoError(t, err)
	require.Len(t, reloaded, 2)
	for _, entry := range reloaded {
		require.NotContains(t, string(entry["__raw__"].(string)), "__raw__", "raw key stripped on write")
	}
}

func TestLoadSessionsRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SESSIONS.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("][ not parseable\n"), 0o644))
	_, err := merge.LoadSessions(path)
	require.Error(t, err, "unparseable history aborts the merge")
}

func TestSyncStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()

	// pre-existing events are replaced wholesale
	_, err = conn.Exec(`INSERT INTO session_events (ts, mission, action) VALUES ('old', 'M0', 'start')`)
	require.NoError(t, err)

	merger := fixedMerger()
	res := merge.Result{
		Project: contextdoc.Doc{"project": map[string]any{"name": "demo"}},
		Master:  contextdoc.Doc{"vision": map[string]any{"goals": []any{"ship"}}},
		Sessions: []merge.Entry{
			{"mission": "M1", "ts": "2024-05-01T10:00:00Z", "agent": "tester", "action": "start", "status": "in_progress", "summary": "s1"},
			{"mission": "M1", "timestamp": "2024-05-01T11:00:00Z", "type": "completed", "summary": "s2"},
		},
	}
	require.NoError(t, merger.SyncStore(ctx, conn, res, merge.SyncOptions{
		ProjectSource: "/tmp/PROJECT_CONTEXT.json",
		MasterSource:  "/tmp/context/MASTER_CONTEXT.json",
	}))

	r := repo.Repo{DB: conn}
	events, err := r.ListSessionEvents(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "in_progress", events[0].Status)
	require.Equal(t, "completed", events[1].Status, "legacy type field maps to status")
	require.Equal(t, "2024-05-01T11:00:00Z", events[1].TS, "legacy timestamp field maps to ts")
	require.NotEmpty(t, events[1].Raw)

	project, err := r.GetContext(ctx, contextdoc.ProjectContextID)
	require.NoError(t, err)
	require.Equal(t, "demo", project["project"].(map[string]any)["name"])

	snaps, err := r.ListSnapshots(ctx, contextdoc.MasterContextID, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "merge", snaps[0].Source)
}
