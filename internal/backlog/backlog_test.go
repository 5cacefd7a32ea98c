package backlog_test

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"missionctl/internal/backlog"
	"missionctl/internal/db"
	"missionctl/internal/domain"
	"missionctl/internal/migrate"
	"missionctl/internal/repo"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func testBody() backlog.Body {
	total := 2
	start := "2024-05-01"
	return backlog.Body{DomainFields: backlog.DomainFields{
		Type: "Planning.SprintPlan.v1",
		Sprints: []backlog.SprintDoc{
			{
				SprintID:      "S1",
				Title:         "Foundation",
				Focus:         "storage layer",
				Status:        "active",
				StartDate:     &start,
				TotalMissions: &total,
				Missions: []backlog.MissionDoc{
					{ID: "M1", Name: "Schema design", Status: "Completed", CompletedAt: "2024-05-02T10:00:00Z"},
					{ID: "M2", Name: "Query layer", Status: "Queued", Metadata: map[string]any{"metadata": map[string]any{"description": "build queries"}}},
				},
			},
		},
		MissionDependencies: []backlog.DependencyDoc{{From: "M2", To: "M1", Type: "blocks"}},
		PromptMapping: backlog.PromptMapping{Prompts: []backlog.PromptDoc{
			{Prompt: "what's next", AgentBehavior: "show the queue"},
		}},
	}}
}

func TestImportThenBuildRoundtrip(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)

	require.NoError(t, backlog.Import(ctx, conn, r, testBody(), now))

	m, err := r.GetMission(ctx, "M2")
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, m.Status)
	require.NotNil(t, m.SprintID)
	require.Equal(t, "S1", *m.SprintID)
	require.Contains(t, m.Metadata, "build queries")

	meta, body, err := backlog.Build(ctx, r, now)
	require.NoError(t, err)
	require.Equal(t, "2024-05-03T00:00:00Z", meta.GeneratedAt)
	require.Len(t, body.DomainFields.Sprints, 1)

	sprint := body.DomainFields.Sprints[0]
	require.Equal(t, "S1", sprint.SprintID)
	require.Len(t, sprint.Missions, 2)
	require.Equal(t, "M1", sprint.Missions[0].ID)
	require.Equal(t, "2024-05-02T10:00:00Z", sprint.Missions[0].CompletedAt)

	require.Equal(t, []backlog.DependencyDoc{{From: "M2", To: "M1", Type: "blocks"}}, body.DomainFields.MissionDependencies)
	require.Len(t, body.DomainFields.PromptMapping.Prompts, 1)
}

func TestImportReplacesExistingRows(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, backlog.Import(ctx, conn, r, testBody(), now))

	body := testBody()
	body.DomainFields.Sprints[0].Missions[1].Name = "Query layer v2"
	require.NoError(t, backlog.Import(ctx, conn, r, body, now))

	m, err := r.GetMission(ctx, "M2")
	require.NoError(t, err)
	require.Equal(t, "Query layer v2", m.Name)
}

func TestImportValidation(t *testing.T) {
	conn := newTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	body := testBody()
	body.DomainFields.Sprints[0].Missions[0].Status = "Doing"
	require.Error(t, backlog.Import(ctx, conn, r, body, time.Now()))

	// the failed import leaves nothing behind
	_, err := r.GetSprint(ctx, "S1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWriteLoadRoundtrip(t *testing.T) {
	meta := backlog.Metadata{Name: "Planning.SprintPlan.v1", Version: "0.0.0", GeneratedAt: "2024-05-03T00:00:00Z"}
	var buf bytes.Buffer
	require.NoError(t, backlog.Write(&buf, meta, testBody()))
	require.Contains(t, buf.String(), "---", "two-document yaml stream")

	body, err := backlog.Load(&buf)
	require.NoError(t, err)
	require.Equal(t, testBody(), body)
}

func TestResearchReport(t *testing.T) {
	sprintID := "S1"
	mission := domain.Mission{
		ID:       "M2",
		SprintID: &sprintID,
		Name:     "Query layer",
		Status:   domain.StatusCompleted,
		Notes:    "Implemented with prepared statements.",
		Metadata: `{"started_at":"2024-05-01T10:00:00Z","metadata":{"description":"Build the query layer","successCriteria":["all queries indexed"],"deliverables":["repo package"]}}`,
	}
	completed := "2024-05-02T10:00:00Z"
	mission.CompletedAt = &completed
	events := []domain.SessionEvent{
		{TS: "2024-05-01T10:00:00Z", Agent: "tester", Action: "start", Summary: "kicked off"},
		{TS: "2024-05-02T10:00:00Z", Agent: "tester", Action: "complete", Summary: "wrapped up", NextHint: "M3 is now Current"},
	}

	doc := backlog.ResearchReport(mission, "Foundation", events)
	require.True(t, strings.HasPrefix(doc, "# Research Report: M2 – Query layer"))
	require.Contains(t, doc, "- **Sprint**: S1 – Foundation")
	require.Contains(t, doc, "- **Started**: 2024-05-01T10:00:00Z")
	require.Contains(t, doc, "- **Completed**: 2024-05-02T10:00:00Z")
	require.Contains(t, doc, "Build the query layer")
	require.Contains(t, doc, "- all queries indexed")
	require.Contains(t, doc, "Implemented with prepared statements.")
	require.Contains(t, doc, "_(next: M3 is now Current)_")
	require.Contains(t, doc, "```json")
}

func TestResearchReportEmptyMission(t *testing.T) {
	doc := backlog.ResearchReport(domain.Mission{ID: "M9", Name: "Bare"}, "", nil)
	require.Contains(t, doc, "- **Sprint**: Unassigned")
	require.Contains(t, doc, "_No description recorded._")
	require.Contains(t, doc, "- No success criteria recorded.")
	require.Contains(t, doc, "_No session events recorded for this mission._")
}
