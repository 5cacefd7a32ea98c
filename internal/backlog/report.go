package backlog

import (
	"encoding/json"
	"fmt"
	"strings"

	"missionctl/internal/domain"
)

// ResearchReport renders a markdown report for one mission: brief, findings,
// session timeline, and a raw metadata snapshot.
func ResearchReport(mission domain.Mission, sprintTitle string, events []domain.SessionEvent) string {
	meta := parseMetadataBlob(mission.Metadata)
	brief, _ := meta["metadata"].(map[string]any)

	description, _ := brief["description"].(string)
	success := stringItems(brief["successCriteria"])
	deliverables := stringItems(brief["deliverables"])
	questions := stringItems(brief["researchQuestions"])

	startedAt, _ := meta["started_at"].(string)
	completedAt := ""
	if mission.CompletedAt != nil {
		completedAt = *mission.CompletedAt
	} else if v, ok := meta["completed_at"].(string); ok {
		completedAt = v
	}

	name := mission.Name
	if name == "" {
		name = "(untitled mission)"
	}
	var lines []string
	lines = append(lines, fmt.Sprintf("# Research Report: %s – %s", mission.ID, name), "")

	lines = append(lines, "## Mission Overview")
	status := mission.Status
	if status == "" {
		status = "unknown"
	}
	lines = append(lines, fmt.Sprintf("- **Status**: %s", status))
	lines = append(lines, fmt.Sprintf("- **Sprint**: %s", sprintLabel(mission, sprintTitle)))
	if startedAt != "" {
		lines = append(lines, fmt.Sprintf("- **Started**: %s", startedAt))
	}
	if completedAt != "" {
		lines = append(lines, fmt.Sprintf("- **Completed**: %s", completedAt))
	}
	lines = append(lines, "")

	lines = append(lines, "## Mission Brief")
	if description != "" {
		lines = append(lines, description)
	} else {
		lines = append(lines, "_No description recorded._")
	}
	lines = append(lines, "")

	if len(questions) > 0 {
		lines = append(lines, "### Research Questions")
		lines = append(lines, bullets(questions, "")...)
		lines = append(lines, "")
	}

	lines = append(lines, "### Success Criteria")
	lines = append(lines, bullets(success, "No success criteria recorded.")...)
	lines = append(lines, "")

	lines = append(lines, "### Deliverables")
	lines = append(lines, bullets(deliverables, "No deliverables recorded.")...)
	lines = append(lines, "")

	lines = append(lines, "## Key Findings")
	if notes := strings.TrimSpace(mission.Notes); notes != "" {
		lines = append(lines, notes)
	} else {
		lines = append(lines, "_No mission notes were stored._")
	}
	lines = append(lines, "")

	lines = append(lines, "## Session Timeline")
	if len(events) > 0 {
		for _, e := range events {
			ts := e.TS
			if ts == "" {
				ts = "unknown time"
			}
			agent := e.Agent
			if agent == "" {
				agent = "unknown agent"
			}
			action := e.Action
			if action == "" {
				action = "event"
			}
			entry := fmt.Sprintf("- %s — **%s** [%s]", ts, agent, action)
			if e.Summary != "" {
				entry += ": " + e.Summary
			}
			if e.NextHint != "" {
				entry += fmt.Sprintf(" _(next: %s)_", e.NextHint)
			}
			lines = append(lines, entry)
		}
	} else {
		lines = append(lines, "_No session events recorded for this mission._")
	}
	lines = append(lines, "")

	snapshot := map[string]any(meta)
	if len(snapshot) == 0 && mission.Metadata != "" {
		snapshot = map[string]any{"raw_metadata": mission.Metadata}
	}
	pretty, _ := json.MarshalIndent(snapshot, "", "  ")
	lines = append(lines, "## Metadata Snapshot", "```json", string(pretty), "```")

	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func parseMetadataBlob(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || parsed == nil {
		return map[string]any{}
	}
	return parsed
}

func stringItems(value any) []string {
	switch v := value.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	}
	return nil
}

func sprintLabel(m domain.Mission, title string) string {
	switch {
	case m.SprintID != nil && title != "":
		return fmt.Sprintf("%s – %s", *m.SprintID, title)
	case m.SprintID != nil:
		return *m.SprintID
	case title != "":
		return title
	default:
		return "Unassigned"
	}
}

func bullets(items []string, placeholder string) []string {
	if len(items) == 0 {
		return []string{"- " + placeholder}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, "- "+item)
	}
	return out
}
