// Package export serializes validated episode bundles into the canonical
// versioned audit dataset format. Output bytes are JCS-canonicalized, so
// serializing an unchanged bundle is byte-stable across round trips.
package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/oncaudit/oncaudit/internal/domain/episode"
)

// SchemaVersion selects the export schema. It is an explicit required
// parameter, never inferred from the bundle.
type SchemaVersion string

const (
	SchemaV9  SchemaVersion = "cosd-v9"
	SchemaV10 SchemaVersion = "cosd-v10"
)

// ParseSchemaVersion validates a version string from config or a request.
func ParseSchemaVersion(s string) (SchemaVersion, error) {
	switch SchemaVersion(s) {
	case SchemaV9:
		return SchemaV9, nil
	case SchemaV10:
		return SchemaV10, nil
	default:
		return "", fmt.Errorf("unsupported schema version %q (want %s or %s)", s, SchemaV9, SchemaV10)
	}
}

const dateLayout = "2006-01-02"

// The document types mirror the external schema exactly: field naming and
// cardinality are compared against the national dataset, so they are kept
// separate from the internal models. Fields absent from a schema version are
// simply never populated; unknown bundle fields are dropped by construction.

type document struct {
	SchemaVersion string         `json:"schema_version"`
	Episode       docEpisode     `json:"episode"`
	Treatments    []docTreatment `json:"treatments,omitempty"`
	Tumours       []docTumour    `json:"tumours,omitempty"`
}

type docEpisode struct {
	ID                string  `json:"id"`
	PatientID         string  `json:"patient_id"`
	CancerType        string  `json:"cancer_type"`
	ReferralDate      *string `json:"referral_date,omitempty"`
	FirstSeenDate     *string `json:"first_seen_date,omitempty"`
	MDTDiscussionDate *string `json:"mdt_discussion_date,omitempty"`
	LeadClinician     *string `json:"lead_clinician,omitempty"`
	ProviderCode      *string `json:"provider_code,omitempty"`
}

type docTreatment struct {
	ID            string      `json:"id"`
	TreatmentType string      `json:"treatment_type"`
	TreatmentDate *string     `json:"treatment_date,omitempty"`
	ProviderCode  *string     `json:"provider_code,omitempty"`
	Surgery       *docSurgery `json:"surgery,omitempty"`
}

type docSurgery struct {
	ProcedureCode        *string  `json:"procedure_code,omitempty"`
	Approach             *string  `json:"approach,omitempty"` // v10
	ASAScore             *int     `json:"asa_score,omitempty"`
	AnastomosisPerformed bool     `json:"anastomosis_performed"`
	StomaCreated         bool     `json:"stoma_created"`
	StomaPlannedReversal *string  `json:"stoma_planned_reversal_date,omitempty"` // v10
	StomaClosureDate     *string  `json:"stoma_closure_date,omitempty"`
	ParentTreatmentID    *string  `json:"parent_treatment_id,omitempty"`
	Complication         *docComp `json:"complication,omitempty"` // v10
	AnastomoticLeak      *docLeak `json:"anastomotic_leak,omitempty"`
}

type docComp struct {
	Occurred          bool    `json:"occurred"`
	ClavienDindoGrade *string `json:"clavien_dindo_grade,omitempty"`
	Resolved          bool    `json:"resolved"`
}

type docLeak struct {
	Occurred             bool    `json:"occurred"`
	ISGPSGrade           *string `json:"isgps_grade,omitempty"`
	DetectionDate        *string `json:"detection_date,omitempty"` // v10
	ReoperationPerformed bool    `json:"reoperation_performed"`
	ReoperationDate      *string `json:"reoperation_date,omitempty"`      // v10
	ReoperationProcedure *string `json:"reoperation_procedure,omitempty"` // v10
	Mortality            bool    `json:"mortality"`
	Resolved             bool    `json:"resolved"`
}

type docTumour struct {
	ID            string  `json:"id"`
	Site          *string `json:"site,omitempty"`
	Histology     *string `json:"histology,omitempty"`
	TNMEdition    *int    `json:"tnm_edition,omitempty"`
	ClinicalT     *string `json:"clinical_t,omitempty"`
	ClinicalN     *string `json:"clinical_n,omitempty"`
	ClinicalM     *string `json:"clinical_m,omitempty"`
	PathologicalT *string `json:"pathological_t,omitempty"`
	PathologicalN *string `json:"pathological_n,omitempty"`
	PathologicalM *string `json:"pathological_m,omitempty"`
	NodesExamined *int    `json:"nodes_examined,omitempty"`
	NodesPositive *int    `json:"nodes_positive,omitempty"`
	CRMStatus     *string `json:"crm_status,omitempty"` // v10
}

// Serializer emits export artifacts for one pinned schema version.
type Serializer struct {
	version SchemaVersion
}

// NewSerializer builds a serializer for the requested schema version.
func NewSerializer(version SchemaVersion) (*Serializer, error) {
	if _, err := ParseSchemaVersion(string(version)); err != nil {
		return nil, err
	}
	return &Serializer{version: version}, nil
}

// Version returns the pinned schema version.
func (s *Serializer) Version() SchemaVersion { return s.version }

// Serialize emits the canonical artifact for the bundle. The serializer
// never invents values: missing optional fields are omitted, and fields the
// schema version does not know are dropped.
func (s *Serializer) Serialize(b *episode.Bundle) ([]byte, error) {
	if b == nil || b.Episode == nil {
		return nil, fmt.Errorf("export: bundle with episode is required")
	}

	doc := document{
		SchemaVersion: string(s.version),
		Episode: docEpisode{
			ID:                b.Episode.ID.String(),
			PatientID:         b.Episode.PatientID.String(),
			CancerType:        b.Episode.CancerType,
			ReferralDate:      fmtDate(b.Episode.ReferralDate),
			FirstSeenDate:     fmtDate(b.Episode.FirstSeenDate),
			MDTDiscussionDate: fmtDate(b.Episode.MDTDiscussionDate),
			LeadClinician:     b.Episode.LeadClinician,
			ProviderCode:      b.Episode.ProviderCode,
		},
	}

	for _, t := range b.Treatments {
		dt := docTreatment{
			ID:            t.ID.String(),
			TreatmentType: string(t.Type),
			TreatmentDate: fmtDate(t.TreatmentDate),
			ProviderCode:  t.ProviderCode,
		}
		if t.Surgery != nil {
			sg := &docSurgery{
				ProcedureCode:        t.Surgery.ProcedureCode,
				ASAScore:             t.Surgery.ASAScore,
				AnastomosisPerformed: t.Surgery.AnastomosisPerformed,
				StomaCreated:         t.Surgery.StomaCreated,
				StomaClosureDate:     fmtDate(t.Surgery.StomaClosureDate),
				ParentTreatmentID:    fmtUUID(t.Surgery.ParentTreatmentID),
			}
			if leak := t.Surgery.AnastomoticLeak; leak != nil {
				dl := &docLeak{
					Occurred:             leak.Occurred,
					ISGPSGrade:           leak.ISGPSGrade,
					ReoperationPerformed: leak.ReoperationPerformed,
					Mortality:            leak.Mortality,
					Resolved:             leak.Resolved,
				}
				if s.version == SchemaV10 {
					dl.DetectionDate = fmtDate(leak.DetectionDate)
					dl.ReoperationDate = fmtDate(leak.ReoperationDate)
					dl.ReoperationProcedure = leak.ReoperationProcedure
				}
				sg.AnastomoticLeak = dl
			}
			if s.version == SchemaV10 {
				sg.Approach = t.Surgery.Approach
				sg.StomaPlannedReversal = fmtDate(t.Surgery.StomaPlannedReversalDate)
				if comp := t.Surgery.Complication; comp != nil {
					sg.Complication = &docComp{
						Occurred:          comp.Occurred,
						ClavienDindoGrade: comp.ClavienDindoGrade,
						Resolved:          comp.Resolved,
					}
				}
			}
			dt.Surgery = sg
		}
		doc.Treatments = append(doc.Treatments, dt)
	}

	for _, tm := range b.Tumours {
		du := docTumour{
			ID:            tm.ID.String(),
			Site:          tm.Site,
			Histology:     tm.Histology,
			TNMEdition:    tm.TNMEdition,
			ClinicalT:     tm.ClinicalT,
			ClinicalN:     tm.ClinicalN,
			ClinicalM:     tm.ClinicalM,
			PathologicalT: tm.PathologicalT,
			PathologicalN: tm.PathologicalN,
			PathologicalM: tm.PathologicalM,
			NodesExamined: tm.NodesExamined,
			NodesPositive: tm.NodesPositive,
		}
		if s.version == SchemaV10 {
			du.CRMStatus = tm.CRMStatus
		}
		doc.Tumours = append(doc.Tumours, du)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("export: marshal document: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("export: canonicalize document: %w", err)
	}
	return canonical, nil
}

// Deserialize parses an artifact back into a bundle restricted to the fields
// representable in the serializer's schema version. Artifacts from a
// different version are rejected.
func (s *Serializer) Deserialize(data []byte) (*episode.Bundle, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("export: parse artifact: %w", err)
	}
	if doc.SchemaVersion != string(s.version) {
		return nil, fmt.Errorf("export: artifact is %q, serializer pinned to %q", doc.SchemaVersion, s.version)
	}

	epID, err := uuid.Parse(doc.Episode.ID)
	if err != nil {
		return nil, fmt.Errorf("export: episode id: %w", err)
	}
	patID, err := uuid.Parse(doc.Episode.PatientID)
	if err != nil {
		return nil, fmt.Errorf("export: patient id: %w", err)
	}

	b := &episode.Bundle{
		Episode: &episode.Episode{
			ID:                epID,
			PatientID:         patID,
			CancerType:        doc.Episode.CancerType,
			ReferralDate:      parseDate(doc.Episode.ReferralDate),
			FirstSeenDate:     parseDate(doc.Episode.FirstSeenDate),
			MDTDiscussionDate: parseDate(doc.Episode.MDTDiscussionDate),
			LeadClinician:     doc.Episode.LeadClinician,
			ProviderCode:      doc.Episode.ProviderCode,
		},
	}

	for _, dt := range doc.Treatments {
		id, err := uuid.Parse(dt.ID)
		if err != nil {
			return nil, fmt.Errorf("export: treatment id: %w", err)
		}
		t := &episode.Treatment{
			ID:            id,
			EpisodeID:     epID,
			Type:          episode.TreatmentType(dt.TreatmentType),
			TreatmentDate: parseDate(dt.TreatmentDate),
			ProviderCode:  dt.ProviderCode,
		}
		if dt.Surgery != nil {
			sg := &episode.SurgeryDetail{
				ProcedureCode:            dt.Surgery.ProcedureCode,
				Approach:                 dt.Surgery.Approach,
				ASAScore:                 dt.Surgery.ASAScore,
				AnastomosisPerformed:     dt.Surgery.AnastomosisPerformed,
				StomaCreated:             dt.Surgery.StomaCreated,
				StomaPlannedReversalDate: parseDate(dt.Surgery.StomaPlannedReversal),
				StomaClosureDate:         parseDate(dt.Surgery.StomaClosureDate),
			}
			if dt.Surgery.ParentTreatmentID != nil {
				pid, err := uuid.Parse(*dt.Surgery.ParentTreatmentID)
				if err != nil {
					return nil, fmt.Errorf("export: parent treatment id: %w", err)
				}
				sg.ParentTreatmentID = &pid
			}
			if dl := dt.Surgery.AnastomoticLeak; dl != nil {
				sg.AnastomoticLeak = &episode.AnastomoticLeak{
					Occurred:             dl.Occurred,
					ISGPSGrade:           dl.ISGPSGrade,
					DetectionDate:        parseDate(dl.DetectionDate),
					ReoperationPerformed: dl.ReoperationPerformed,
					ReoperationDate:      parseDate(dl.ReoperationDate),
					ReoperationProcedure: dl.ReoperationProcedure,
					Mortality:            dl.Mortality,
					Resolved:             dl.Resolved,
				}
			}
			if dc := dt.Surgery.Complication; dc != nil {
				sg.Complication = &episode.ComplicationRecord{
					Occurred:          dc.Occurred,
					ClavienDindoGrade: dc.ClavienDindoGrade,
					Resolved:          dc.Resolved,
				}
			}
			t.Surgery = sg
		}
		b.Treatments = append(b.Treatments, t)
	}

	for _, du := range doc.Tumours {
		id, err := uuid.Parse(du.ID)
		if err != nil {
			return nil, fmt.Errorf("export: tumour id: %w", err)
		}
		b.Tumours = append(b.Tumours, &episode.Tumour{
			ID:            id,
			EpisodeID:     epID,
			Site:          du.Site,
			Histology:     du.Histology,
			TNMEdition:    du.TNMEdition,
			ClinicalT:     du.ClinicalT,
			ClinicalN:     du.ClinicalN,
			ClinicalM:     du.ClinicalM,
			PathologicalT: du.PathologicalT,
			PathologicalN: du.PathologicalN,
			PathologicalM: du.PathologicalM,
			NodesExamined: du.NodesExamined,
			NodesPositive: du.NodesPositive,
			CRMStatus:     du.CRMStatus,
		})
	}

	return b, nil
}

func fmtDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(dateLayout)
	return &s
}

func parseDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(dateLayout, *s)
	if err != nil {
		return nil
	}
	return &t
}

func fmtUUID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
