// Package engine wires the derivation and validation components into the
// three pipeline operations: annotate, validate, export. The engine is
// stateless between calls; everything it needs rides on the bundle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oncaudit/oncaudit/internal/domain/complications"
	"github.com/oncaudit/oncaudit/internal/domain/compliance"
	"github.com/oncaudit/oncaudit/internal/domain/episode"
	"github.com/oncaudit/oncaudit/internal/domain/export"
	"github.com/oncaudit/oncaudit/internal/domain/outcomes"
	"github.com/oncaudit/oncaudit/internal/domain/relationship"
	"github.com/oncaudit/oncaudit/internal/domain/staging"
	"github.com/oncaudit/oncaudit/internal/domain/validation"
)

// ErrExportRefused is returned when a bundle's completeness verdict fails.
// The accompanying report says exactly which fields are missing.
var ErrExportRefused = errors.New("export refused: completeness below threshold")

// TumourStage pairs a tumour with its computed stage.
type TumourStage struct {
	TumourID uuid.UUID      `json:"tumour_id"`
	Result   staging.Result `json:"result"`
}

// Annotation is the derived layer for one episode: outcome flags plus one
// stage result per tumour. It is recomputed from source fields on every
// annotate call and never hand-edited.
type Annotation struct {
	Outcomes outcomes.Flags    `json:"outcomes"`
	Staging  []TumourStage     `json:"staging"`
	Issues   validation.Issues `json:"issues,omitempty"`
}

// ValidationResult is the outcome of a full validate pass: structural issues
// from the relationship and complication checks merged with the completeness
// report.
type ValidationResult struct {
	Report *compliance.Report `json:"report"`
	Issues validation.Issues  `json:"issues,omitempty"`
}

// ExportResult carries the canonical artifact together with the report that
// justified releasing it.
type ExportResult struct {
	Artifact      []byte               `json:"artifact"`
	SchemaVersion export.SchemaVersion `json:"schema_version"`
	Report        *compliance.Report   `json:"report"`
}

// Engine orchestrates staging, outcome derivation, structural validation,
// completeness checking and export for episode bundles. A single engine is
// safe for concurrent use.
type Engine struct {
	calc      *staging.Calculator
	validator *compliance.Validator
	workers   int
}

// New builds an engine from its pinned components. Workers bounds batch
// recomputation concurrency; values below 1 are coerced to 1.
func New(calc *staging.Calculator, validator *compliance.Validator, workers int) (*Engine, error) {
	if calc == nil {
		return nil, fmt.Errorf("engine: staging calculator is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("engine: compliance validator is required")
	}
	if workers < 1 {
		workers = 1
	}
	return &Engine{calc: calc, validator: validator, workers: workers}, nil
}

// Annotate derives the outcome flags and per-tumour stages for one bundle.
// Derivation is read-only on the bundle and deterministic: re-annotating an
// unchanged bundle yields an identical annotation.
func (e *Engine) Annotate(b *episode.Bundle) (*Annotation, error) {
	if b == nil || b.Episode == nil {
		return nil, fmt.Errorf("engine: bundle with episode is required")
	}

	ann := &Annotation{Staging: []TumourStage{}}

	if idx := indexTreatmentDate(b.Treatments); idx != nil && b.Vitals != nil {
		in := outcomes.Input{
			TreatmentDate:   *idx,
			DeathDate:       b.Vitals.DeathDate,
			DeathLocation:   b.Vitals.DeathLocation,
			AdmissionDate:   b.Vitals.AdmissionDate,
			DischargeDate:   b.Vitals.DischargeDate,
			ReadmissionDate: b.Vitals.ReadmissionDate,
		}
		flags, issues := outcomes.Derive("vitals", in)
		ann.Outcomes = flags
		ann.Issues = append(ann.Issues, issues...)
	}

	for i, tm := range b.Tumours {
		path := fmt.Sprintf("tumours[%d]", i)
		t, n, m, basis := stagingTriple(tm)
		res := e.calc.Stage(path, b.Episode.CancerType, tm.TNMEdition, t, n, m)
		res.Basis = basis
		ann.Issues = append(ann.Issues, res.Issues...)
		ann.Staging = append(ann.Staging, TumourStage{TumourID: tm.ID, Result: res})
	}

	return ann, nil
}

// Validate runs the structural checks and the completeness report for one
// bundle. Structural violations are accumulated, never thrown: a bundle with
// ten problems reports all ten.
func (e *Engine) Validate(b *episode.Bundle) (*ValidationResult, error) {
	if b == nil || b.Episode == nil {
		return nil, fmt.Errorf("engine: bundle with episode is required")
	}

	var issues validation.Issues
	issues = append(issues, relationship.Validate(b.Treatments)...)
	for i, t := range b.Treatments {
		issues = append(issues, complications.Check(fmt.Sprintf("treatments[%d]", i), t)...)
	}

	report := e.validator.Validate(b)
	return &ValidationResult{Report: report, Issues: issues}, nil
}

// Export validates the bundle and, if the completeness verdict passes and no
// structural errors remain, emits the canonical artifact for the requested
// schema version. On refusal the report is still returned so the caller can
// see what blocked the release.
func (e *Engine) Export(b *episode.Bundle, version export.SchemaVersion) (*ExportResult, error) {
	vr, err := e.Validate(b)
	if err != nil {
		return nil, err
	}
	if vr.Report.Verdict != "pass" {
		vr.Report.Issues = append(vr.Report.Issues, validation.Errorf(validation.CodeExportRefused, "episode",
			"completeness %.1f%% is below the %.1f%% threshold", vr.Report.CompletenessPct, e.validator.Threshold()))
		return &ExportResult{Report: vr.Report}, ErrExportRefused
	}
	if vr.Issues.HasErrors() {
		vr.Report.Issues = append(vr.Report.Issues, validation.Errorf(validation.CodeExportRefused, "episode",
			"bundle has unresolved structural errors"))
		return &ExportResult{Report: vr.Report}, ErrExportRefused
	}

	ser, err := export.NewSerializer(version)
	if err != nil {
		return nil, err
	}
	artifact, err := ser.Serialize(b)
	if err != nil {
		return nil, err
	}
	return &ExportResult{Artifact: artifact, SchemaVersion: version, Report: vr.Report}, nil
}

// RuleTableInfo describes the requirement table and threshold the engine is
// pinned to for this run.
type RuleTableInfo struct {
	Version      string  `json:"version"`
	ThresholdPct float64 `json:"threshold_pct"`
}

// RuleTable returns the pinned rule-table metadata.
func (e *Engine) RuleTable() RuleTableInfo {
	return RuleTableInfo{Version: e.validator.TableVersion(), ThresholdPct: e.validator.Threshold()}
}

// StagingTables lists the staging tables loaded into the calculator.
func (e *Engine) StagingTables() []staging.TableInfo {
	return e.calc.Tables()
}

// Recomputed is the batch result for one episode.
type Recomputed struct {
	EpisodeID  uuid.UUID   `json:"episode_id"`
	Annotation *Annotation `json:"annotation"`
}

// RecomputeBatch re-annotates a set of bundles with bounded concurrency.
// Annotation is deterministic and read-only, so workers need no coordination;
// results keep the input order.
func (e *Engine) RecomputeBatch(ctx context.Context, bundles []*episode.Bundle) ([]Recomputed, error) {
	results := make([]Recomputed, len(bundles))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, b := range bundles {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// A malformed bundle must fail the batch with an error, never
			// crash it, so the message is keyed by position rather than by
			// an episode identifier the bundle may not have.
			ann, err := e.Annotate(b)
			if err != nil {
				return fmt.Errorf("bundle %d: %w", i, err)
			}
			results[i] = Recomputed{EpisodeID: b.Episode.ID, Annotation: ann}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// indexTreatmentDate picks the anchor for outcome derivation: the earliest
// dated surgical treatment. Episodes with no dated surgery have no outcome
// window, so their flags stay at zero values.
func indexTreatmentDate(treatments []*episode.Treatment) *time.Time {
	var idx *time.Time
	for _, t := range treatments {
		if !t.Type.IsSurgical() || t.TreatmentDate == nil {
			continue
		}
		if idx == nil || t.TreatmentDate.Before(*idx) {
			idx = t.TreatmentDate
		}
	}
	return idx
}

// stagingTriple selects which T/N/M triple to stage from. Pathological
// staging wins when complete; otherwise a complete clinical triple is used.
// With neither complete, the pathological fields are passed through and the
// calculator reports unknown.
func stagingTriple(tm *episode.Tumour) (t, n, m *string, basis string) {
	if tm.PathologicalT != nil && tm.PathologicalN != nil && tm.PathologicalM != nil {
		return tm.PathologicalT, tm.PathologicalN, tm.PathologicalM, "pathological"
	}
	if tm.ClinicalT != nil && tm.ClinicalN != nil && tm.ClinicalM != nil {
		return tm.ClinicalT, tm.ClinicalN, tm.ClinicalM, "clinical"
	}
	return tm.PathologicalT, tm.PathologicalN, tm.PathologicalM, "pathological"
}
