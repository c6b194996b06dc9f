package episode

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oncaudit/oncaudit/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Episode Repository ===========

type episodeRepoPG struct{ pool *pgxpool.Pool }

func NewEpisodeRepoPG(pool *pgxpool.Pool) EpisodeRepository {
	return &episodeRepoPG{pool: pool}
}

func (r *episodeRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const episodeCols = `id, patient_id, cancer_type, referral_date, first_seen_date,
	mdt_discussion_date, lead_clinician, provider_code, state, retired,
	created_at, updated_at`

func (r *episodeRepoPG) scanEpisode(row pgx.Row) (*Episode, error) {
	var e Episode
	err := row.Scan(&e.ID, &e.PatientID, &e.CancerType, &e.ReferralDate, &e.FirstSeenDate,
		&e.MDTDiscussionDate, &e.LeadClinician, &e.ProviderCode, &e.State, &e.Retired,
		&e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

func (r *episodeRepoPG) Create(ctx context.Context, e *Episode) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO episode (id, patient_id, cancer_type, referral_date, first_seen_date,
			mdt_discussion_date, lead_clinician, provider_code, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.PatientID, e.CancerType, e.ReferralDate, e.FirstSeenDate,
		e.MDTDiscussionDate, e.LeadClinician, e.ProviderCode, e.State)
	return err
}

func (r *episodeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return r.scanEpisode(r.conn(ctx).QueryRow(ctx, `SELECT `+episodeCols+` FROM episode WHERE id = $1 AND NOT retired`, id))
}

func (r *episodeRepoPG) Update(ctx context.Context, e *Episode) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE episode SET cancer_type=$2, referral_date=$3, first_seen_date=$4,
			mdt_discussion_date=$5, lead_clinician=$6, provider_code=$7, state=$8, updated_at=NOW()
		WHERE id = $1 AND NOT retired`,
		e.ID, e.CancerType, e.ReferralDate, e.FirstSeenDate,
		e.MDTDiscussionDate, e.LeadClinician, e.ProviderCode, e.State)
	return err
}

func (r *episodeRepoPG) UpdateState(ctx context.Context, id uuid.UUID, state LifecycleState) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE episode SET state=$2, updated_at=NOW() WHERE id = $1 AND NOT retired`, id, state)
	return err
}

func (r *episodeRepoPG) Retire(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE episode SET retired=TRUE, updated_at=NOW() WHERE id = $1`, id)
	return err
}

func (r *episodeRepoPG) List(ctx context.Context, limit, offset int) ([]*Episode, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM episode WHERE NOT retired`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+episodeCols+` FROM episode WHERE NOT retired ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Episode
	for rows.Next() {
		e, err := r.scanEpisode(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, nil
}

func (r *episodeRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Episode, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM episode WHERE patient_id = $1 AND NOT retired`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+episodeCols+` FROM episode WHERE patient_id = $1 AND NOT retired ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Episode
	for rows.Next() {
		e, err := r.scanEpisode(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, nil
}

func (r *episodeRepoPG) ListByState(ctx context.Context, state LifecycleState, limit, offset int) ([]*Episode, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM episode WHERE state = $1 AND NOT retired`, state).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+episodeCols+` FROM episode WHERE state = $1 AND NOT retired ORDER BY created_at DESC LIMIT $2 OFFSET $3`, state, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Episode
	for rows.Next() {
		e, err := r.scanEpisode(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, nil
}

// =========== Treatment Repository ===========

type treatmentRepoPG struct{ pool *pgxpool.Pool }

func NewTreatmentRepoPG(pool *pgxpool.Pool) TreatmentRepository {
	return &treatmentRepoPG{pool: pool}
}

func (r *treatmentRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// The surgical payload and its complication sub-records are flattened into
// nullable columns; sub-record presence is carried by the nullable occurred
// flags.
const treatmentCols = `id, episode_id, treatment_type, treatment_date, provider_code,
	procedure_code, approach, asa_score, anastomosis_performed, stoma_created,
	stoma_planned_reversal_date, stoma_closure_date, parent_treatment_id,
	complication_occurred, clavien_dindo_grade, complication_detection_date,
	complication_pathway, complication_resolved,
	leak_occurred, isgps_grade, leak_detection_date, leak_pathway,
	reoperation_performed, reoperation_date, reoperation_procedure,
	leak_mortality, leak_resolved,
	created_at, updated_at`

func (r *treatmentRepoPG) scanTreatment(row pgx.Row) (*Treatment, error) {
	var t Treatment
	var procedureCode, approach *string
	var asaScore *int
	var anastomosis, stoma *bool
	var plannedReversal, closure *time.Time
	var parentID *uuid.UUID
	var compOccurred *bool
	var clavien *string
	var compDetection *time.Time
	var compPathway *string
	var compResolved *bool
	var leakOccurred *bool
	var isgps *string
	var leakDetection *time.Time
	var leakPathway *string
	var reopPerformed *bool
	var reopDate *time.Time
	var reopProcedure *string
	var leakMortality, leakResolved *bool

	err := row.Scan(&t.ID, &t.EpisodeID, &t.Type, &t.TreatmentDate, &t.ProviderCode,
		&procedureCode, &approach, &asaScore, &anastomosis, &stoma,
		&plannedReversal, &closure, &parentID,
		&compOccurred, &clavien, &compDetection, &compPathway, &compResolved,
		&leakOccurred, &isgps, &leakDetection, &leakPathway,
		&reopPerformed, &reopDate, &reopProcedure, &leakMortality, &leakResolved,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if t.Type.IsSurgical() {
		s := &SurgeryDetail{
			ProcedureCode:            procedureCode,
			Approach:                 approach,
			ASAScore:                 asaScore,
			StomaPlannedReversalDate: plannedReversal,
			StomaClosureDate:         closure,
			ParentTreatmentID:        parentID,
		}
		if anastomosis != nil {
			s.AnastomosisPerformed = *anastomosis
		}
		if stoma != nil {
			s.StomaCreated = *stoma
		}
		if compOccurred != nil {
			s.Complication = &ComplicationRecord{
				Occurred:          *compOccurred,
				ClavienDindoGrade: clavien,
				DetectionDate:     compDetection,
				ManagementPathway: compPathway,
			}
			if compResolved != nil {
				s.Complication.Resolved = *compResolved
			}
		}
		if leakOccurred != nil {
			l := &AnastomoticLeak{
				Occurred:             *leakOccurred,
				ISGPSGrade:           isgps,
				DetectionDate:        leakDetection,
				ManagementPathway:    leakPathway,
				ReoperationDate:      reopDate,
				ReoperationProcedure: reopProcedure,
			}
			if reopPerformed != nil {
				l.ReoperationPerformed = *reopPerformed
			}
			if leakMortality != nil {
				l.Mortality = *leakMortality
			}
			if leakResolved != nil {
				l.Resolved = *leakResolved
			}
			s.AnastomoticLeak = l
		}
		t.Surgery = s
	}
	return &t, nil
}

// treatmentArgs flattens the variant payload into the column order of
// treatmentCols, minus id/episode_id and the timestamps.
func treatmentArgs(t *Treatment) []interface{} {
	args := []interface{}{t.Type, t.TreatmentDate, t.ProviderCode}
	s := t.Surgery
	if s == nil {
		s = &SurgeryDetail{}
	}
	var anastomosis, stoma interface{}
	if t.Type.IsSurgical() {
		anastomosis, stoma = s.AnastomosisPerformed, s.StomaCreated
	}
	args = append(args, s.ProcedureCode, s.Approach, s.ASAScore, anastomosis, stoma,
		s.StomaPlannedReversalDate, s.StomaClosureDate, s.ParentTreatmentID)

	if c := s.Complication; c != nil {
		args = append(args, c.Occurred, c.ClavienDindoGrade, c.DetectionDate, c.ManagementPathway, c.Resolved)
	} else {
		args = append(args, nil, nil, nil, nil, nil)
	}
	if l := s.AnastomoticLeak; l != nil {
		args = append(args, l.Occurred, l.ISGPSGrade, l.DetectionDate, l.ManagementPathway,
			l.ReoperationPerformed, l.ReoperationDate, l.ReoperationProcedure, l.Mortality, l.Resolved)
	} else {
		args = append(args, nil, nil, nil, nil, nil, nil, nil, nil, nil)
	}
	return args
}

func (r *treatmentRepoPG) Create(ctx context.Context, t *Treatment) error {
	t.ID = uuid.New()
	args := append([]interface{}{t.ID, t.EpisodeID}, treatmentArgs(t)...)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO treatment (id, episode_id, treatment_type, treatment_date, provider_code,
			procedure_code, approach, asa_score, anastomosis_performed, stoma_created,
			stoma_planned_reversal_date, stoma_closure_date, parent_treatment_id,
			complication_occurred, clavien_dindo_grade, complication_detection_date,
			complication_pathway, complication_resolved,
			leak_occurred, isgps_grade, leak_detection_date, leak_pathway,
			reoperation_performed, reoperation_date, reoperation_procedure,
			leak_mortality, leak_resolved)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		args...)
	return err
}

func (r *treatmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return r.scanTreatment(r.conn(ctx).QueryRow(ctx, `SELECT `+treatmentCols+` FROM treatment WHERE id = $1`, id))
}

func (r *treatmentRepoPG) Update(ctx context.Context, t *Treatment) error {
	args := append([]interface{}{t.ID}, treatmentArgs(t)...)
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment SET treatment_type=$2, treatment_date=$3, provider_code=$4,
			procedure_code=$5, approach=$6, asa_score=$7, anastomosis_performed=$8, stoma_created=$9,
			stoma_planned_reversal_date=$10, stoma_closure_date=$11, parent_treatment_id=$12,
			complication_occurred=$13, clavien_dindo_grade=$14, complication_detection_date=$15,
			complication_pathway=$16, complication_resolved=$17,
			leak_occurred=$18, isgps_grade=$19, leak_detection_date=$20, leak_pathway=$21,
			reoperation_performed=$22, reoperation_date=$23, reoperation_procedure=$24,
			leak_mortality=$25, leak_resolved=$26, updated_at=NOW()
		WHERE id = $1`,
		args...)
	return err
}

func (r *treatmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM treatment WHERE id = $1`, id)
	return err
}

func (r *treatmentRepoPG) ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*Treatment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+treatmentCols+` FROM treatment
		WHERE episode_id = $1 ORDER BY treatment_date NULLS LAST, created_at`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Treatment
	for rows.Next() {
		t, err := r.scanTreatment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, nil
}

// =========== Tumour Repository ===========

type tumourRepoPG struct{ pool *pgxpool.Pool }

func NewTumourRepoPG(pool *pgxpool.Pool) TumourRepository {
	return &tumourRepoPG{pool: pool}
}

func (r *tumourRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const tumourCols = `id, episode_id, site, histology, tnm_edition,
	clinical_t, clinical_n, clinical_m, pathological_t, pathological_n, pathological_m,
	nodes_examined, nodes_positive, crm_status, created_at, updated_at`

func (r *tumourRepoPG) scanTumour(row pgx.Row) (*Tumour, error) {
	var t Tumour
	err := row.Scan(&t.ID, &t.EpisodeID, &t.Site, &t.Histology, &t.TNMEdition,
		&t.ClinicalT, &t.ClinicalN, &t.ClinicalM, &t.PathologicalT, &t.PathologicalN, &t.PathologicalM,
		&t.NodesExamined, &t.NodesPositive, &t.CRMStatus, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *tumourRepoPG) Create(ctx context.Context, t *Tumour) error {
	t.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tumour (id, episode_id, site, histology, tnm_edition,
			clinical_t, clinical_n, clinical_m, pathological_t, pathological_n, pathological_m,
			nodes_examined, nodes_positive, crm_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.EpisodeID, t.Site, t.Histology, t.TNMEdition,
		t.ClinicalT, t.ClinicalN, t.ClinicalM, t.PathologicalT, t.PathologicalN, t.PathologicalM,
		t.NodesExamined, t.NodesPositive, t.CRMStatus)
	return err
}

func (r *tumourRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Tumour, error) {
	return r.scanTumour(r.conn(ctx).QueryRow(ctx, `SELECT `+tumourCols+` FROM tumour WHERE id = $1`, id))
}

func (r *tumourRepoPG) Update(ctx context.Context, t *Tumour) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE tumour SET site=$2, histology=$3, tnm_edition=$4,
			clinical_t=$5, clinical_n=$6, clinical_m=$7,
			pathological_t=$8, pathological_n=$9, pathological_m=$10,
			nodes_examined=$11, nodes_positive=$12, crm_status=$13, updated_at=NOW()
		WHERE id = $1`,
		t.ID, t.Site, t.Histology, t.TNMEdition,
		t.ClinicalT, t.ClinicalN, t.ClinicalM,
		t.PathologicalT, t.PathologicalN, t.PathologicalM,
		t.NodesExamined, t.NodesPositive, t.CRMStatus)
	return err
}

func (r *tumourRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM tumour WHERE id = $1`, id)
	return err
}

func (r *tumourRepoPG) ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*Tumour, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+tumourCols+` FROM tumour WHERE episode_id = $1 ORDER BY created_at`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Tumour
	for rows.Next() {
		t, err := r.scanTumour(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, nil
}

// =========== Vitals Repository ===========

type vitalsRepoPG struct{ pool *pgxpool.Pool }

func NewVitalsRepoPG(pool *pgxpool.Pool) VitalsRepository {
	return &vitalsRepoPG{pool: pool}
}

func (r *vitalsRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *vitalsRepoPG) Upsert(ctx context.Context, v *Vitals) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO episode_vitals (episode_id, death_date, death_location,
			admission_date, discharge_date, readmission_date)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (episode_id) DO UPDATE SET
			death_date=EXCLUDED.death_date, death_location=EXCLUDED.death_location,
			admission_date=EXCLUDED.admission_date, discharge_date=EXCLUDED.discharge_date,
			readmission_date=EXCLUDED.readmission_date, updated_at=NOW()`,
		v.EpisodeID, v.DeathDate, v.DeathLocation,
		v.AdmissionDate, v.DischargeDate, v.ReadmissionDate)
	return err
}

func (r *vitalsRepoPG) GetByEpisode(ctx context.Context, episodeID uuid.UUID) (*Vitals, error) {
	var v Vitals
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT episode_id, death_date, death_location, admission_date, discharge_date, readmission_date, updated_at
		FROM episode_vitals WHERE episode_id = $1`, episodeID).
		Scan(&v.EpisodeID, &v.DeathDate, &v.DeathLocation, &v.AdmissionDate, &v.DischargeDate, &v.ReadmissionDate, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// =========== Export Repository ===========

type exportRepoPG struct{ pool *pgxpool.Pool }

func NewExportRepoPG(pool *pgxpool.Pool) ExportRepository {
	return &exportRepoPG{pool: pool}
}

func (r *exportRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *exportRepoPG) Create(ctx context.Context, rec *ExportRecord) error {
	rec.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO export_artifact (id, episode_id, schema_version, artifact)
		VALUES ($1,$2,$3,$4)`,
		rec.ID, rec.EpisodeID, rec.SchemaVersion, rec.Artifact)
	return err
}

func (r *exportRepoPG) ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*ExportRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, episode_id, schema_version, artifact, created_at
		FROM export_artifact WHERE episode_id = $1 ORDER BY created_at DESC`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ExportRecord
	for rows.Next() {
		var rec ExportRecord
		if err := rows.Scan(&rec.ID, &rec.EpisodeID, &rec.SchemaVersion, &rec.Artifact, &rec.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &rec)
	}
	return items, nil
}
