// Package backlog converts between the database and the file artifacts
// derived from it: the two-document YAML backlog export and the per-mission
// research report.
package backlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"missionctl/internal/domain"
	"missionctl/internal/repo"
)

const planType = "Planning.SprintPlan.v1"

// Metadata is the first YAML document of a backlog export.
type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	DisplayName string `yaml:"displayName"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
	Schema      string `yaml:"schema"`
	GeneratedAt string `yaml:"generatedAt"`
}

// Body is the second YAML document, wrapping the domain fields.
type Body struct {
	DomainFields DomainFields `yaml:"domainFields"`
}

type DomainFields struct {
	Type                string          `yaml:"type"`
	Sprints             []SprintDoc     `yaml:"sprints"`
	MissionDependencies []DependencyDoc `yaml:"missionDependencies"`
	PromptMapping       PromptMapping   `yaml:"promptMapping"`
}

type SprintDoc struct {
	SprintID          string       `yaml:"sprintId"`
	Title             string       `yaml:"title,omitempty"`
	Focus             string       `yaml:"focus,omitempty"`
	Status            string       `yaml:"status,omitempty"`
	StartDate         *string      `yaml:"startDate,omitempty"`
	EndDate           *string      `yaml:"endDate,omitempty"`
	TotalMissions     *int         `yaml:"totalMissions,omitempty"`
	CompletedMissions *int         `yaml:"completedMissions,omitempty"`
	Missions          []MissionDoc `yaml:"missions"`
}

type MissionDoc struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Status      string         `yaml:"status"`
	CompletedAt string         `yaml:"completed_at,omitempty"`
	Notes       string         `yaml:"notes,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty"`
}

type DependencyDoc struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Type string `yaml:"type,omitempty"`
}

type PromptMapping struct {
	Prompts []PromptDoc `yaml:"prompts"`
}

type PromptDoc struct {
	Prompt        string `yaml:"prompt"`
	AgentBehavior string `yaml:"agentBehavior"`
}

// Build assembles the export documents from the database, grouping missions
// under their sprints. Missions without a sprint are skipped here; they stay
// queryable through the mission commands.
func Build(ctx context.Context, r repo.Repo, now time.Time) (Metadata, Body, error) {
	sprints, err := r.ListSprints(ctx)
	if err != nil {
		return Metadata{}, Body{}, err
	}
	missions, err := r.ListMissions(ctx, repo.MissionFilters{})
	if err != nil {
		return Metadata{}, Body{}, err
	}
	deps, err := r.ListDependencies(ctx)
	if err != nil {
		return Metadata{}, Body{}, err
	}
	prompts, err := r.ListPromptMappings(ctx)
	if err != nil {
		return Metadata{}, Body{}, err
	}

	bySprint := map[string][]MissionDoc{}
	for _, m := range missions {
		if m.SprintID == nil {
			continue
		}
		doc := MissionDoc{ID: m.ID, Name: m.Name, Status: m.Status, Notes: m.Notes}
		if m.CompletedAt != nil {
			doc.CompletedAt = *m.CompletedAt
		}
		if m.Metadata != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(m.Metadata), &meta); err == nil {
				doc.Metadata = meta
			}
		}
		bySprint[*m.SprintID] = append(bySprint[*m.SprintID], doc)
	}

	sprintDocs := make([]SprintDoc, 0, len(sprints))
	for _, s := range sprints {
		sprintDocs = append(sprintDocs, SprintDoc{
			SprintID:          s.ID,
			Title:             s.Title,
			Focus:             s.Focus,
			Status:            s.Status,
			StartDate:         s.StartDate,
			EndDate:           s.EndDate,
			TotalMissions:     s.TotalMissions,
			CompletedMissions: s.CompletedMissions,
			Missions:          bySprint[s.ID],
		})
	}

	depDocs := make([]DependencyDoc, 0, len(deps))
	for _, d := range deps {
		depDocs = append(depDocs, DependencyDoc{From: d.FromID, To: d.ToID, Type: d.Type})
	}
	promptDocs := make([]PromptDoc, 0, len(prompts))
	for _, p := range prompts {
		promptDocs = append(promptDocs, PromptDoc{Prompt: p.Prompt, AgentBehavior: p.Behavior})
	}

	meta := Metadata{
		Name:        planType,
		Version:     "0.0.0",
		DisplayName: "Backlog Export",
		Description: "Backlog export generated from the mission database.",
		Author:      "missionctl",
		Schema:      "./schemas/SprintPlan.v1.json",
		GeneratedAt: domain.FormatTS(now),
	}
	body := Body{DomainFields: DomainFields{
		Type:                planType,
		Sprints:             sprintDocs,
		MissionDependencies: depDocs,
		PromptMapping:       PromptMapping{Prompts: promptDocs},
	}}
	return meta, body, nil
}

// Write emits the two-document YAML stream.
func Write(w io.Writer, meta Metadata, body Body) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(meta); err != nil {
		return err
	}
	if err := enc.Encode(body); err != nil {
		return err
	}
	return enc.Close()
}

// ExportFile builds and writes the backlog YAML to path.
func ExportFile(ctx context.Context, r repo.Repo, path string, now time.Time) error {
	meta, body, err := Build(ctx, r, now)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, meta, body)
}

// Load reads a two-document backlog YAML stream; the first document is
// advisory metadata and only the second is required.
func Load(rd io.Reader) (Body, error) {
	dec := yaml.NewDecoder(rd)
	var first map[string]any
	if err := dec.Decode(&first); err != nil {
		return Body{}, fmt.Errorf("backlog yaml: %w", err)
	}
	var body Body
	if err := dec.Decode(&body); err != nil {
		if err == io.EOF {
			// single-document stream: retry the first as the body
			raw, marshalErr := yaml.Marshal(first)
			if marshalErr != nil {
				return Body{}, marshalErr
			}
			if err := yaml.Unmarshal(raw, &body); err != nil {
				return Body{}, fmt.Errorf("backlog yaml: %w", err)
			}
			return body, nil
		}
		return Body{}, fmt.Errorf("backlog yaml: %w", err)
	}
	return body, nil
}

// LoadFile reads a backlog YAML file.
func LoadFile(path string) (Body, error) {
	f, err := os.Open(path)
	if err != nil {
		return Body{}, err
	}
	defer f.Close()
	return Load(f)
}

// Import seeds the database from a backlog body in one transaction: sprints,
// their missions, dependency edges, and the prompt mapping. Existing rows with
// matching ids are replaced.
func Import(ctx context.Context, db *sql.DB, r repo.Repo, body Body, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range body.DomainFields.Sprints {
		if s.SprintID == "" {
			return fmt.Errorf("sprint without sprintId")
		}
		if err := r.UpsertSprintTx(ctx, tx, domain.Sprint{
			ID:                s.SprintID,
			Title:             s.Title,
			Focus:             s.Focus,
			Status:            s.Status,
			StartDate:         s.StartDate,
			EndDate:           s.EndDate,
			TotalMissions:     s.TotalMissions,
			CompletedMissions: s.CompletedMissions,
		}); err != nil {
			return fmt.Errorf("sprint %s: %w", s.SprintID, err)
		}
		for _, m := range s.Missions {
			if m.ID == "" || m.Name == "" {
				return fmt.Errorf("sprint %s: mission needs id and name", s.SprintID)
			}
			status := m.Status
			if status == "" {
				status = domain.StatusQueued
			}
			if !domain.ValidStatus(status) {
				return fmt.Errorf("mission %s: invalid status %q", m.ID, status)
			}
			mission := domain.Mission{
				ID:       m.ID,
				SprintID: &s.SprintID,
				Name:     m.Name,
				Status:   status,
				Notes:    m.Notes,
			}
			if m.CompletedAt != "" {
				completed := m.CompletedAt
				mission.CompletedAt = &completed
			}
			if len(m.Metadata) > 0 {
				raw, err := json.Marshal(m.Metadata)
				if err != nil {
					return fmt.Errorf("mission %s metadata: %w", m.ID, err)
				}
				mission.Metadata = string(raw)
			}
			if err := r.UpsertMissionTx(ctx, tx, mission); err != nil {
				return fmt.Errorf("mission %s: %w", m.ID, err)
			}
		}
	}

	for _, d := range body.DomainFields.MissionDependencies {
		if d.From == "" || d.To == "" {
			return fmt.Errorf("dependency needs both from and to")
		}
		if err := r.UpsertDependencyTx(ctx, tx, domain.Dependency{FromID: d.From, ToID: d.To, Type: d.Type}); err != nil {
			return fmt.Errorf("dependency %s -> %s: %w", d.From, d.To, err)
		}
	}

	mappings := make([]domain.PromptMapping, 0, len(body.DomainFields.PromptMapping.Prompts))
	for _, p := range body.DomainFields.PromptMapping.Prompts {
		mappings = append(mappings, domain.PromptMapping{Prompt: p.Prompt, Behavior: p.AgentBehavior})
	}
	if err := r.ReplacePromptMappingsTx(ctx, tx, mappings); err != nil {
		return err
	}
	if err := r.SetMetadataTx(ctx, tx, "backlog_seeded_at", domain.FormatTS(now)); err != nil {
		return err
	}
	return tx.Commit()
}
