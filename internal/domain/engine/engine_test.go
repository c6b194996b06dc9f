package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oncaudit/oncaudit/internal/domain/compliance"
	"github.com/oncaudit/oncaudit/internal/domain/episode"
	"github.com/oncaudit/oncaudit/internal/domain/export"
	"github.com/oncaudit/oncaudit/internal/domain/staging"
	"github.com/oncaudit/oncaudit/internal/domain/validation"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// leanTable keeps completeness checks small so tests control the verdict
// precisely.
func leanTable() *compliance.Table {
	return &compliance.Table{
		Version: "test-v1",
		Rules: []compliance.Rule{
			{AuditCode: "T100", FieldPath: "episode.referral_date", Scope: compliance.ScopeEpisode},
		},
	}
}

func newTestEngine(t *testing.T, table *compliance.Table, threshold float64) *Engine {
	t.Helper()
	calc, err := staging.NewCalculator(staging.DefaultTables())
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	validator, err := compliance.NewValidator(table, threshold)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	eng, err := New(calc, validator, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func annotatedBundle() *episode.Bundle {
	epID := uuid.New()
	return &episode.Bundle{
		Episode: &episode.Episode{
			ID:           epID,
			PatientID:    uuid.New(),
			CancerType:   "bowel",
			ReferralDate: datePtr(2025, 1, 2),
			State:        episode.StateDraft,
		},
		Treatments: []*episode.Treatment{
			{
				ID:            uuid.New(),
				EpisodeID:     epID,
				Type:          episode.TreatmentSurgeryPrimary,
				TreatmentDate: datePtr(2025, 2, 3),
				Surgery:       &episode.SurgeryDetail{AnastomosisPerformed: true},
			},
		},
		Tumours: []*episode.Tumour{
			{
				ID:            uuid.New(),
				EpisodeID:     epID,
				TNMEdition:    intPtr(8),
				PathologicalT: strPtr("pT3"),
				PathologicalN: strPtr("pN0"),
				PathologicalM: strPtr("pM0"),
			},
		},
		Vitals: &episode.Vitals{
			EpisodeID:     epID,
			DeathDate:     datePtr(2025, 2, 20),
			DeathLocation: strPtr(episode.DeathLocationHospital),
		},
	}
}

func TestAnnotate(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)

	ann, err := eng.Annotate(annotatedBundle())
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}

	if !ann.Outcomes.Mortality30Day || !ann.Outcomes.Mortality30DayHospital {
		t.Error("expected 30-day hospital mortality flags")
	}
	if len(ann.Staging) != 1 {
		t.Fatalf("expected one stage result, got %d", len(ann.Staging))
	}
	if ann.Staging[0].Result.StageGroup != "IIA" {
		t.Errorf("expected stage IIA, got %s", ann.Staging[0].Result.StageGroup)
	}
	if ann.Staging[0].Result.Basis != "pathological" {
		t.Errorf("expected pathological basis, got %s", ann.Staging[0].Result.Basis)
	}
	if len(ann.Issues) != 0 {
		t.Errorf("expected no issues, got %v", ann.Issues)
	}
}

func TestAnnotate_Deterministic(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)
	b := annotatedBundle()

	first, err := eng.Annotate(b)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := eng.Annotate(b)
		if err != nil {
			t.Fatalf("Annotate: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("annotation changed across identical inputs:\n%+v\n%+v", first, again)
		}
	}
}

func TestAnnotate_ClinicalFallback(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)
	b := annotatedBundle()
	b.Tumours[0].PathologicalT = nil
	b.Tumours[0].ClinicalT = strPtr("cT1")
	b.Tumours[0].ClinicalN = strPtr("cN0")
	b.Tumours[0].ClinicalM = strPtr("cM0")

	ann, err := eng.Annotate(b)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if ann.Staging[0].Result.Basis != "clinical" {
		t.Errorf("expected clinical basis when pathological triple incomplete, got %s", ann.Staging[0].Result.Basis)
	}
	if ann.Staging[0].Result.StageGroup != "I" {
		t.Errorf("expected stage I from the clinical triple, got %s", ann.Staging[0].Result.StageGroup)
	}
}

func TestAnnotate_NoSurgeryNoOutcomeWindow(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)
	b := annotatedBundle()
	b.Treatments = []*episode.Treatment{
		{ID: uuid.New(), Type: episode.TreatmentChemotherapy, TreatmentDate: datePtr(2025, 2, 3)},
	}

	ann, err := eng.Annotate(b)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if ann.Outcomes.Mortality30Day || ann.Outcomes.Mortality90Day {
		t.Error("episodes without a dated surgery have no outcome window")
	}
}

func TestValidate_AccumulatesAcrossCheckers(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)
	b := annotatedBundle()

	// One relationship violation and one complication violation.
	b.Treatments = append(b.Treatments, &episode.Treatment{
		ID:      uuid.New(),
		Type:    episode.TreatmentSurgeryRTT,
		Surgery: &episode.SurgeryDetail{},
	})
	b.Treatments[0].Surgery.AnastomosisPerformed = false
	b.Treatments[0].Surgery.AnastomoticLeak = &episode.AnastomoticLeak{Occurred: true, ISGPSGrade: strPtr("B")}

	vr, err := eng.Validate(b)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(vr.Issues.ByCode(validation.CodeDanglingReference)) != 1 {
		t.Errorf("expected a dangling reference finding, got %v", vr.Issues)
	}
	if len(vr.Issues.ByCode(validation.CodeInvalidState)) != 1 {
		t.Errorf("expected a leak-without-anastomosis finding, got %v", vr.Issues)
	}
	if vr.Report == nil || vr.Report.Verdict == "" {
		t.Error("expected a completeness report alongside structural issues")
	}
}

func TestExport_Succeeds(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)

	res, err := eng.Export(annotatedBundle(), export.SchemaV10)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(res.Artifact) == 0 {
		t.Error("expected a non-empty artifact")
	}
	if res.SchemaVersion != export.SchemaV10 {
		t.Errorf("expected schema version cosd-v10, got %s", res.SchemaVersion)
	}
	if res.Report.Verdict != "pass" {
		t.Errorf("expected passing report, got %s", res.Report.Verdict)
	}
}

func TestExport_RefusedBelowThreshold(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)
	b := annotatedBundle()
	b.Episode.ReferralDate = nil // the only required field

	res, err := eng.Export(b, export.SchemaV10)
	if !errors.Is(err, ErrExportRefused) {
		t.Fatalf("expected ErrExportRefused, got %v", err)
	}
	if res == nil || res.Report == nil {
		t.Fatal("refusal must still return the report")
	}
	if len(res.Artifact) != 0 {
		t.Error("refused export must not emit an artifact")
	}
	if len(res.Report.Issues.ByCode(validation.CodeExportRefused)) != 1 {
		t.Errorf("expected an ExportRefused issue on the report, got %v", res.Report.Issues)
	}
}

func TestExport_RefusedOnStructuralErrors(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)
	b := annotatedBundle()
	b.Treatments = append(b.Treatments, &episode.Treatment{
		ID:      uuid.New(),
		Type:    episode.TreatmentSurgeryReversal,
		Surgery: &episode.SurgeryDetail{},
	})

	_, err := eng.Export(b, export.SchemaV10)
	if !errors.Is(err, ErrExportRefused) {
		t.Fatalf("expected ErrExportRefused for structural errors, got %v", err)
	}
}

func TestExport_RejectsUnknownVersion(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)

	_, err := eng.Export(annotatedBundle(), export.SchemaVersion("cosd-v99"))
	if err == nil || errors.Is(err, ErrExportRefused) {
		t.Fatalf("expected a version error, got %v", err)
	}
}

func TestRecomputeBatch_KeepsInputOrder(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)

	bundles := make([]*episode.Bundle, 20)
	for i := range bundles {
		bundles[i] = annotatedBundle()
	}

	results, err := eng.RecomputeBatch(context.Background(), bundles)
	if err != nil {
		t.Fatalf("RecomputeBatch: %v", err)
	}
	if len(results) != len(bundles) {
		t.Fatalf("expected %d results, got %d", len(bundles), len(results))
	}
	for i, r := range results {
		if r.EpisodeID != bundles[i].Episode.ID {
			t.Fatalf("result %d out of order: %s vs %s", i, r.EpisodeID, bundles[i].Episode.ID)
		}
		if r.Annotation == nil {
			t.Fatalf("result %d has no annotation", i)
		}
	}
}

func TestRecomputeBatch_MalformedBundle(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)

	for _, bad := range []*episode.Bundle{nil, {}} {
		_, err := eng.RecomputeBatch(context.Background(), []*episode.Bundle{annotatedBundle(), bad})
		if err == nil {
			t.Fatal("expected an error for a malformed bundle in the batch")
		}
	}
}

func TestRecomputeBatch_CancelledContext(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.RecomputeBatch(ctx, []*episode.Bundle{annotatedBundle()})
	if err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestPinnedTableMetadata(t *testing.T) {
	eng := newTestEngine(t, leanTable(), 85)

	info := eng.RuleTable()
	if info.Version != "test-v1" || info.ThresholdPct != 85 {
		t.Errorf("unexpected rule table info: %+v", info)
	}
	tables := eng.StagingTables()
	if len(tables) != 2 {
		t.Errorf("expected the two bowel tables, got %v", tables)
	}
}

func TestNew_Validation(t *testing.T) {
	calc, _ := staging.NewCalculator(staging.DefaultTables())
	validator, _ := compliance.NewValidator(leanTable(), 85)

	if _, err := New(nil, validator, 1); err == nil {
		t.Error("expected error for nil calculator")
	}
	if _, err := New(calc, nil, 1); err == nil {
		t.Error("expected error for nil validator")
	}
	eng, err := New(calc, validator, -3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.workers != 1 {
		t.Errorf("expected workers coerced to 1, got %d", eng.workers)
	}
}
