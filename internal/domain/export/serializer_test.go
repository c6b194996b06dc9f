package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oncaudit/oncaudit/internal/domain/episode"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// fullBundle exercises every field both schema versions know about.
func fullBundle() *episode.Bundle {
	epID := uuid.New()
	primaryID := uuid.New()

	return &episode.Bundle{
		Episode: &episode.Episode{
			ID:                epID,
			PatientID:         uuid.New(),
			CancerType:        "bowel",
			ReferralDate:      datePtr(2025, 1, 2),
			FirstSeenDate:     datePtr(2025, 1, 9),
			MDTDiscussionDate: datePtr(2025, 1, 16),
			LeadClinician:     strPtr("Miller"),
			ProviderCode:      strPtr("RXX01"),
		},
		Treatments: []*episode.Treatment{
			{
				ID:            primaryID,
				EpisodeID:     epID,
				Type:          episode.TreatmentSurgeryPrimary,
				TreatmentDate: datePtr(2025, 2, 3),
				ProviderCode:  strPtr("RXX01"),
				Surgery: &episode.SurgeryDetail{
					ProcedureCode:            strPtr("H33.4"),
					Approach:                 strPtr("laparoscopic"),
					ASAScore:                 intPtr(2),
					AnastomosisPerformed:     true,
					StomaCreated:             true,
					StomaPlannedReversalDate: datePtr(2025, 8, 1),
					Complication: &episode.ComplicationRecord{
						Occurred:          true,
						ClavienDindoGrade: strPtr("IIIb"),
						Resolved:          true,
					},
					AnastomoticLeak: &episode.AnastomoticLeak{
						Occurred:             true,
						ISGPSGrade:           strPtr("C"),
						DetectionDate:        datePtr(2025, 2, 8),
						ReoperationPerformed: true,
						ReoperationDate:      datePtr(2025, 2, 9),
						ReoperationProcedure: strPtr("washout"),
						Resolved:             true,
					},
				},
			},
			{
				ID:            uuid.New(),
				EpisodeID:     epID,
				Type:          episode.TreatmentChemotherapy,
				TreatmentDate: datePtr(2025, 3, 10),
			},
		},
		Tumours: []*episode.Tumour{
			{
				ID:            uuid.New(),
				EpisodeID:     epID,
				Site:          strPtr("sigmoid colon"),
				Histology:     strPtr("adenocarcinoma"),
				TNMEdition:    intPtr(8),
				ClinicalT:     strPtr("cT3"),
				ClinicalN:     strPtr("cN1"),
				ClinicalM:     strPtr("cM0"),
				PathologicalT: strPtr("pT3"),
				PathologicalN: strPtr("pN1a"),
				PathologicalM: strPtr("pM0"),
				NodesExamined: intPtr(18),
				NodesPositive: intPtr(2),
				CRMStatus:     strPtr("clear"),
			},
		},
	}
}

func TestParseSchemaVersion(t *testing.T) {
	if v, err := ParseSchemaVersion("cosd-v9"); err != nil || v != SchemaV9 {
		t.Errorf("expected cosd-v9 to parse, got %v %v", v, err)
	}
	if v, err := ParseSchemaVersion("cosd-v10"); err != nil || v != SchemaV10 {
		t.Errorf("expected cosd-v10 to parse, got %v %v", v, err)
	}
	if _, err := ParseSchemaVersion("cosd-v11"); err == nil {
		t.Error("expected error for unsupported version")
	}
	if _, err := ParseSchemaVersion(""); err == nil {
		t.Error("expected error for empty version")
	}
}

func TestNewSerializer_RejectsUnknownVersion(t *testing.T) {
	if _, err := NewSerializer(SchemaVersion("cosd-v3")); err == nil {
		t.Error("expected error for unknown schema version")
	}
}

func TestSerialize_RoundTripIsByteStable(t *testing.T) {
	for _, version := range []SchemaVersion{SchemaV9, SchemaV10} {
		ser, err := NewSerializer(version)
		if err != nil {
			t.Fatalf("NewSerializer(%s): %v", version, err)
		}

		first, err := ser.Serialize(fullBundle())
		if err != nil {
			t.Fatalf("Serialize(%s): %v", version, err)
		}

		parsed, err := ser.Deserialize(first)
		if err != nil {
			t.Fatalf("Deserialize(%s): %v", version, err)
		}

		second, err := ser.Serialize(parsed)
		if err != nil {
			t.Fatalf("re-Serialize(%s): %v", version, err)
		}

		if !bytes.Equal(first, second) {
			t.Errorf("%s: round trip is not byte-stable:\n%s\n%s", version, first, second)
		}
	}
}

func TestSerialize_SameBundleSameBytes(t *testing.T) {
	ser, _ := NewSerializer(SchemaV10)
	b := fullBundle()

	first, err := ser.Serialize(b)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	second, err := ser.Serialize(b)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("serializing an unchanged bundle produced different bytes")
	}
}

func TestSerialize_V9DropsV10Fields(t *testing.T) {
	ser, _ := NewSerializer(SchemaV9)
	data, err := ser.Serialize(fullBundle())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}
	if doc["schema_version"] != "cosd-v9" {
		t.Errorf("expected schema_version cosd-v9, got %v", doc["schema_version"])
	}

	surgery := doc["treatments"].([]interface{})[0].(map[string]interface{})["surgery"].(map[string]interface{})
	for _, field := range []string{"approach", "stoma_planned_reversal_date", "complication"} {
		if _, ok := surgery[field]; ok {
			t.Errorf("v9 artifact must not carry surgery.%s", field)
		}
	}

	leak := surgery["anastomotic_leak"].(map[string]interface{})
	for _, field := range []string{"detection_date", "reoperation_date", "reoperation_procedure"} {
		if _, ok := leak[field]; ok {
			t.Errorf("v9 artifact must not carry leak %s", field)
		}
	}

	tumour := doc["tumours"].([]interface{})[0].(map[string]interface{})
	if _, ok := tumour["crm_status"]; ok {
		t.Error("v9 artifact must not carry crm_status")
	}
}

func TestSerialize_V10CarriesFullDetail(t *testing.T) {
	ser, _ := NewSerializer(SchemaV10)
	data, err := ser.Serialize(fullBundle())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}

	surgery := doc["treatments"].([]interface{})[0].(map[string]interface{})["surgery"].(map[string]interface{})
	if surgery["approach"] != "laparoscopic" {
		t.Errorf("expected approach in v10, got %v", surgery["approach"])
	}
	if surgery["stoma_planned_reversal_date"] != "2025-08-01" {
		t.Errorf("expected planned reversal date, got %v", surgery["stoma_planned_reversal_date"])
	}
	comp, ok := surgery["complication"].(map[string]interface{})
	if !ok || comp["clavien_dindo_grade"] != "IIIb" {
		t.Errorf("expected complication record in v10, got %v", surgery["complication"])
	}
	leak := surgery["anastomotic_leak"].(map[string]interface{})
	if leak["detection_date"] != "2025-02-08" || leak["reoperation_procedure"] != "washout" {
		t.Errorf("expected leak detail in v10, got %v", leak)
	}
	tumour := doc["tumours"].([]interface{})[0].(map[string]interface{})
	if tumour["crm_status"] != "clear" {
		t.Errorf("expected crm_status in v10, got %v", tumour["crm_status"])
	}
}

func TestSerialize_DatesAreCalendarDates(t *testing.T) {
	ser, _ := NewSerializer(SchemaV10)
	data, err := ser.Serialize(fullBundle())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !strings.Contains(string(data), `"referral_date":"2025-01-02"`) {
		t.Errorf("expected dates serialized as YYYY-MM-DD, got %s", data)
	}
	if strings.Contains(string(data), "T00:00:00") {
		t.Error("artifact must not carry time-of-day components")
	}
}

func TestSerialize_OmitsAbsentOptionals(t *testing.T) {
	ser, _ := NewSerializer(SchemaV10)
	b := &episode.Bundle{
		Episode: &episode.Episode{ID: uuid.New(), PatientID: uuid.New(), CancerType: "bowel"},
	}

	data, err := ser.Serialize(b)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}
	ep := doc["episode"].(map[string]interface{})
	for _, field := range []string{"referral_date", "lead_clinician", "provider_code"} {
		if _, ok := ep[field]; ok {
			t.Errorf("absent field %s must be omitted, not nulled", field)
		}
	}
	// The serializer never invents values.
	if _, ok := doc["treatments"]; ok {
		t.Error("empty treatment list must be omitted")
	}
}

func TestSerialize_RequiresEpisode(t *testing.T) {
	ser, _ := NewSerializer(SchemaV10)
	if _, err := ser.Serialize(nil); err == nil {
		t.Error("expected error for nil bundle")
	}
	if _, err := ser.Serialize(&episode.Bundle{}); err == nil {
		t.Error("expected error for bundle without episode")
	}
}

func TestDeserialize_RejectsVersionMismatch(t *testing.T) {
	v10, _ := NewSerializer(SchemaV10)
	data, err := v10.Serialize(fullBundle())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	v9, _ := NewSerializer(SchemaV9)
	if _, err := v9.Deserialize(data); err == nil {
		t.Error("expected version mismatch to be rejected")
	}
}

func TestDeserialize_RestoresIdentifiers(t *testing.T) {
	ser, _ := NewSerializer(SchemaV10)
	b := fullBundle()

	data, err := ser.Serialize(b)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	parsed, err := ser.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if parsed.Episode.ID != b.Episode.ID || parsed.Episode.PatientID != b.Episode.PatientID {
		t.Error("episode identifiers must survive the round trip")
	}
	if len(parsed.Treatments) != len(b.Treatments) || len(parsed.Tumours) != len(b.Tumours) {
		t.Fatalf("record counts changed: %d/%d treatments, %d/%d tumours",
			len(parsed.Treatments), len(b.Treatments), len(parsed.Tumours), len(b.Tumours))
	}
	if parsed.Treatments[0].ID != b.Treatments[0].ID {
		t.Error("treatment identifiers must survive the round trip")
	}
	if parsed.Treatments[0].Surgery == nil || *parsed.Treatments[0].Surgery.ASAScore != 2 {
		t.Error("surgery payload must survive the round trip")
	}
}

func TestDeserialize_RejectsGarbage(t *testing.T) {
	ser, _ := NewSerializer(SchemaV10)
	if _, err := ser.Deserialize([]byte("not json")); err == nil {
		t.Error("expected error for malformed artifact")
	}
}
