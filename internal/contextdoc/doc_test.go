package contextdoc_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"missionctl/internal/contextdoc"
)

func TestCloneIsDeep(t *testing.T) {
	doc := contextdoc.Doc{
		"working_memory": map[string]any{
			"session_history": []any{map[string]any{"mission": "M1"}},
		},
	}
	clone := contextdoc.Clone(doc)
	clone["working_memory"].(map[string]any)["session_history"].([]any)[0].(map[string]any)["mission"] = "M2"

	original := doc["working_memory"].(map[string]any)["session_history"].([]any)[0].(map[string]any)
	require.Equal(t, "M1", original["mission"])
}

func TestTouchWorkingMemoryCapsHistory(t *testing.T) {
	doc := contextdoc.Doc{}
	for i := 0; i < contextdoc.MaxSessionHistory+10; i++ {
		contextdoc.TouchWorkingMemory(doc, contextdoc.Touch{
			Mission: fmt.Sprintf("M%d", i),
			Action:  "start",
			TS:      fmt.Sprintf("2024-05-01T%02d:00:00Z", i%24),
		})
	}
	working := doc["working_memory"].(map[string]any)
	history := working["session_history"].([]any)
	require.Len(t, history, contextdoc.MaxSessionHistory)

	// oldest entries dropped first, newest kept
	last := history[len(history)-1].(map[string]any)
	require.Equal(t, fmt.Sprintf("M%d", contextdoc.MaxSessionHistory+9), last["mission"])
	require.EqualValues(t, contextdoc.MaxSessionHistory+10, working["session_count"])
}

func TestTouchWorkingMemoryDropsMalformedHistoryEntries(t *testing.T) {
	doc := contextdoc.Doc{
		"working_memory": map[string]any{
			"session_history": []any{"garbage", 42, map[string]any{"mission": "M0"}},
		},
	}
	contextdoc.TouchWorkingMemory(doc, contextdoc.Touch{Mission: "M1", Action: "start", TS: "2024-05-01T00:00:00Z"})
	history := doc["working_memory"].(map[string]any)["session_history"].([]any)
	require.Len(t, history, 2)
}

func TestTouchWorkingMemoryActions(t *testing.T) {
	doc := contextdoc.Doc{}

	contextdoc.TouchWorkingMemory(doc, contextdoc.Touch{Mission: "M1", Action: "start", TS: "t1"})
	working := doc["working_memory"].(map[string]any)
	require.Equal(t, "M1", working["active_mission"])

	contextdoc.TouchWorkingMemory(doc, contextdoc.Touch{Mission: "M1", Action: "blocked", TS: "t2"})
	require.Nil(t, working["active_mission"])
	require.Equal(t, "M1", working["last_blocked_mission"])
	require.Contains(t, working["blocked_missions"], "M1")

	contextdoc.TouchWorkingMemory(doc, contextdoc.Touch{Mission: "M1", Action: "start", TS: "t3"})
	require.NotContains(t, working["blocked_missions"], "M1")

	contextdoc.TouchWorkingMemory(doc, contextdoc.Touch{Mission: "M1", Action: "complete", TS: "t4", NextMission: "M2"})
	require.Equal(t, "M2", working["active_mission"])
	require.Equal(t, "M1", working["last_completed_mission"])

	contextdoc.TouchWorkingMemory(doc, contextdoc.Touch{Mission: "M2", Action: "complete", TS: "t5"})
	require.Nil(t, working["active_mission"])
}

func TestRecordBlockerOverwritesAndDedupes(t *testing.T) {
	next := map[string]any{}
	contextdoc.RecordBlocker(next, contextdoc.Blocker{
		Mission: "M1", TS: "t1", Reason: "waiting", Needs: []string{"key"},
	})
	contextdoc.RecordBlocker(next, contextdoc.Blocker{
		Mission: "M1", TS: "t2", Reason: "waiting", Needs: []string{"key", "access"},
	})

	blockers := next["blockers"].([]any)
	require.Len(t, blockers, 1, "one blocker entry per mission")
	require.Equal(t, "t2", blockers[0].(map[string]any)["recorded_at"])

	reminders := next["important_reminders"].([]any)
	require.Len(t, reminders, 1, "identical reminders deduplicated")

	resume := next["when_we_resume"].([]any)
	require.Len(t, resume, 2)
	require.Contains(t, resume, "M1 -> key")
	require.Contains(t, resume, "M1 -> access")
}

func TestRemoveBlockerDropsReferences(t *testing.T) {
	next := map[string]any{}
	contextdoc.RecordBlocker(next, contextdoc.Blocker{Mission: "M1", TS: "t1", Reason: "waiting", Needs: []string{"key"}})
	contextdoc.RecordBlocker(next, contextdoc.Blocker{Mission: "M2", TS: "t1", Reason: "other", Needs: []string{"thing"}})

	contextdoc.RemoveBlocker(next, "M1")
	blockers := next["blockers"].([]any)
	require.Len(t, blockers, 1)
	require.Equal(t, "M2", blockers[0].(map[string]any)["mission"])
	require.NotContains(t, next["important_reminders"], "M1: waiting")
	require.NotContains(t, next["when_we_resume"], "M1 -> key")

	// removing the last blocker deletes the emptied keys
	contextdoc.RemoveBlocker(next, "M2")
	require.NotContains(t, next, "blockers")
	require.NotContains(t, next, "important_reminders")
	require.NotContains(t, next, "when_we_resume")
}

func TestAppendResumeNoteDedupes(t *testing.T) {
	next := map[string]any{}
	contextdoc.AppendResumeNote(next, "Pick up M2")
	contextdoc.AppendResumeNote(next, "Pick up M2")
	require.Len(t, next["when_we_resume"], 1)
}

func TestUpdateHealth(t *testing.T) {
	doc := contextdoc.Doc{"project": map[string]any{"name": "demo"}}
	require.NoError(t, contextdoc.UpdateHealth(doc, "2024-05-01T12:00:00Z", true, 100))
	require.NoError(t, contextdoc.UpdateHealth(doc, "2024-05-01T13:00:00Z", false, 100))

	health := doc["context_health"].(map[string]any)
	require.EqualValues(t, 1, health["sessions_since_reset"])
	require.Equal(t, "2024-05-01T13:00:00Z", health["last_update"])
	require.EqualValues(t, 100, health["size_limit_kb"])

	size, ok := health["size_kb"].(float64)
	require.True(t, ok)
	require.Greater(t, size, 0.0)
	// two decimal places
	require.InDelta(t, size, float64(int(size*100))/100, 0.001)
}

func TestSessionHintPreference(t *testing.T) {
	require.Empty(t, contextdoc.SessionHint(contextdoc.Doc{}))

	doc := contextdoc.Doc{"working_memory": map[string]any{
		"last_session":    "2024-05-01T12:00:00Z",
		"active_mission":  "M1",
		"current_session": "S9",
	}}
	require.Equal(t, "S9", contextdoc.SessionHint(doc))

	delete(doc["working_memory"].(map[string]any), "current_session")
	require.Equal(t, "M1", contextdoc.SessionHint(doc))
}

func TestParseEmptyPayload(t *testing.T) {
	doc, err := contextdoc.Parse(nil)
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Empty(t, doc)

	_, err = contextdoc.Parse([]byte("{broken"))
	require.Error(t, err)
}
