package episode

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleState tracks how far an episode has progressed through the
// derive/validate/export pipeline. Editing clinical data returns the episode
// to draft and invalidates downstream state.
type LifecycleState string

const (
	StateDraft     LifecycleState = "draft"
	StateAnnotated LifecycleState = "annotated"
	StateValidated LifecycleState = "validated"
	StateExported  LifecycleState = "exported"
)

// rank orders lifecycle states so transitions can be checked without
// enumerating every pair.
var stateRank = map[LifecycleState]int{
	StateDraft:     0,
	StateAnnotated: 1,
	StateValidated: 2,
	StateExported:  3,
}

// CanTransition reports whether moving from s to next is legal: one step
// forward, re-entering the same non-draft state (recompute), or falling back
// to draft.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	if next == StateDraft {
		return true
	}
	return to == from+1 || to == from
}

// Episode maps to the episode table. It is the aggregate root for one
// patient's care pathway for one condition; treatments and tumours are owned
// by it. Episodes are soft-retired, never physically deleted.
type Episode struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	PatientID         uuid.UUID      `db:"patient_id" json:"patient_id"`
	CancerType        string         `db:"cancer_type" json:"cancer_type"`
	ReferralDate      *time.Time     `db:"referral_date" json:"referral_date,omitempty"`
	FirstSeenDate     *time.Time     `db:"first_seen_date" json:"first_seen_date,omitempty"`
	MDTDiscussionDate *time.Time     `db:"mdt_discussion_date" json:"mdt_discussion_date,omitempty"`
	LeadClinician     *string        `db:"lead_clinician" json:"lead_clinician,omitempty"`
	ProviderCode      *string        `db:"provider_code" json:"provider_code,omitempty"`
	State             LifecycleState `db:"state" json:"state"`
	Retired           bool           `db:"retired" json:"retired"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// TreatmentType discriminates the treatment variant.
type TreatmentType string

const (
	TreatmentSurgeryPrimary  TreatmentType = "surgery_primary"
	TreatmentSurgeryRTT      TreatmentType = "surgery_rtt"
	TreatmentSurgeryReversal TreatmentType = "surgery_reversal"
	TreatmentChemotherapy    TreatmentType = "chemotherapy"
	TreatmentRadiotherapy    TreatmentType = "radiotherapy"
	TreatmentImmunotherapy   TreatmentType = "immunotherapy"
)

var validTreatmentTypes = map[TreatmentType]bool{
	TreatmentSurgeryPrimary: true, TreatmentSurgeryRTT: true,
	TreatmentSurgeryReversal: true, TreatmentChemotherapy: true,
	TreatmentRadiotherapy: true, TreatmentImmunotherapy: true,
}

// IsSurgical reports whether the variant carries a surgery payload.
func (t TreatmentType) IsSurgical() bool {
	return t == TreatmentSurgeryPrimary || t == TreatmentSurgeryRTT || t == TreatmentSurgeryReversal
}

// RequiresParent reports whether the variant must reference the surgery it
// returns to or reverses.
func (t TreatmentType) RequiresParent() bool {
	return t == TreatmentSurgeryRTT || t == TreatmentSurgeryReversal
}

// Treatment is a tagged variant over treatment types. Shared fields are
// common to all variants; Surgery is populated only for the surgical ones.
type Treatment struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	EpisodeID     uuid.UUID      `db:"episode_id" json:"episode_id"`
	Type          TreatmentType  `db:"treatment_type" json:"treatment_type"`
	TreatmentDate *time.Time     `db:"treatment_date" json:"treatment_date,omitempty"`
	ProviderCode  *string        `db:"provider_code" json:"provider_code,omitempty"`
	Surgery       *SurgeryDetail `db:"-" json:"surgery,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// SurgeryDetail is the variant payload for surgical treatments.
// ParentTreatmentID is required for surgery_rtt and surgery_reversal and
// must resolve to another surgery within the same episode.
type SurgeryDetail struct {
	ProcedureCode            *string             `db:"procedure_code" json:"procedure_code,omitempty"`
	Approach                 *string             `db:"approach" json:"approach,omitempty"`
	ASAScore                 *int                `db:"asa_score" json:"asa_score,omitempty"`
	AnastomosisPerformed     bool                `db:"anastomosis_performed" json:"anastomosis_performed"`
	StomaCreated             bool                `db:"stoma_created" json:"stoma_created"`
	StomaPlannedReversalDate *time.Time          `db:"stoma_planned_reversal_date" json:"stoma_planned_reversal_date,omitempty"`
	StomaClosureDate         *time.Time          `db:"stoma_closure_date" json:"stoma_closure_date,omitempty"`
	ParentTreatmentID        *uuid.UUID          `db:"parent_treatment_id" json:"parent_treatment_id,omitempty"`
	Complication             *ComplicationRecord `db:"-" json:"complication,omitempty"`
	AnastomoticLeak          *AnastomoticLeak    `db:"-" json:"anastomotic_leak,omitempty"`
}

// ComplicationRecord describes a post-operative complication attached to a
// surgery treatment. The Clavien-Dindo grade is the general severity scale
// (I-V, with IIIa/IIIb/IVa/IVb sub-grades).
type ComplicationRecord struct {
	Occurred          bool       `db:"occurred" json:"occurred"`
	ClavienDindoGrade *string    `db:"clavien_dindo_grade" json:"clavien_dindo_grade,omitempty"`
	DetectionDate     *time.Time `db:"detection_date" json:"detection_date,omitempty"`
	ManagementPathway *string    `db:"management_pathway" json:"management_pathway,omitempty"`
	Resolved          bool       `db:"resolved" json:"resolved"`
}

// AnastomoticLeak is the leak-specific complication sub-record. It is only
// admissible when the parent treatment performed an anastomosis. ISGPSGrade
// is the A/B/C severity scale.
type AnastomoticLeak struct {
	Occurred             bool       `db:"occurred" json:"occurred"`
	ISGPSGrade           *string    `db:"isgps_grade" json:"isgps_grade,omitempty"`
	DetectionDate        *time.Time `db:"detection_date" json:"detection_date,omitempty"`
	ManagementPathway    *string    `db:"management_pathway" json:"management_pathway,omitempty"`
	ReoperationPerformed bool       `db:"reoperation_performed" json:"reoperation_performed"`
	ReoperationDate      *time.Time `db:"reoperation_date" json:"reoperation_date,omitempty"`
	ReoperationProcedure *string    `db:"reoperation_procedure" json:"reoperation_procedure,omitempty"`
	Mortality            bool       `db:"mortality" json:"mortality"`
	Resolved             bool       `db:"resolved" json:"resolved"`
}

// Tumour maps to the tumour table: one pathology/staging record linked to
// exactly one episode. Clinical staging may exist before surgery,
// pathological staging after.
type Tumour struct {
	ID             uuid.UUID `db:"id" json:"id"`
	EpisodeID      uuid.UUID `db:"episode_id" json:"episode_id"`
	Site           *string   `db:"site" json:"site,omitempty"`
	Histology      *string   `db:"histology" json:"histology,omitempty"`
	TNMEdition     *int      `db:"tnm_edition" json:"tnm_edition,omitempty"`
	ClinicalT      *string   `db:"clinical_t" json:"clinical_t,omitempty"`
	ClinicalN      *string   `db:"clinical_n" json:"clinical_n,omitempty"`
	ClinicalM      *string   `db:"clinical_m" json:"clinical_m,omitempty"`
	PathologicalT  *string   `db:"pathological_t" json:"pathological_t,omitempty"`
	PathologicalN  *string   `db:"pathological_n" json:"pathological_n,omitempty"`
	PathologicalM  *string   `db:"pathological_m" json:"pathological_m,omitempty"`
	NodesExamined  *int      `db:"nodes_examined" json:"nodes_examined,omitempty"`
	NodesPositive  *int      `db:"nodes_positive" json:"nodes_positive,omitempty"`
	CRMStatus      *string   `db:"crm_status" json:"crm_status,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Vitals carries the patient event dates the outcome deriver needs. They are
// maintained by the surrounding system and ride on the bundle; the engine
// never looks them up itself.
type Vitals struct {
	EpisodeID       uuid.UUID  `db:"episode_id" json:"episode_id"`
	DeathDate       *time.Time `db:"death_date" json:"death_date,omitempty"`
	DeathLocation   *string    `db:"death_location" json:"death_location,omitempty"`
	AdmissionDate   *time.Time `db:"admission_date" json:"admission_date,omitempty"`
	DischargeDate   *time.Time `db:"discharge_date" json:"discharge_date,omitempty"`
	ReadmissionDate *time.Time `db:"readmission_date" json:"readmission_date,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// DeathLocationHospital and DeathLocationCommunity are the recognised death
// location values.
const (
	DeathLocationHospital  = "hospital"
	DeathLocationCommunity = "community"
)

// Bundle is the immutable input every engine component consumes: the episode
// plus its owned records, assembled by the caller before invocation.
// Treatments are ordered by treatment date.
type Bundle struct {
	Episode    *Episode     `json:"episode"`
	Treatments []*Treatment `json:"treatments"`
	Tumours    []*Tumour    `json:"tumours"`
	Vitals     *Vitals      `json:"vitals,omitempty"`
}

// TreatmentByID resolves a treatment by identifier within the bundle's flat
// list. Parent references are looked up this way rather than chased as
// pointers, which keeps validators serializable and side-effect free.
func (b *Bundle) TreatmentByID(id uuid.UUID) *Treatment {
	for _, t := range b.Treatments {
		if t.ID == id {
			return t
		}
	}
	return nil
}
