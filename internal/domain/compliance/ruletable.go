// Package compliance checks an episode bundle against a versioned
// field-requirement table and produces the completeness report that gates
// audit export. The table is data, not code: a new audit cycle's fields are
// a data change, never a logic change.
package compliance

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scope names the record kind a rule is evaluated against. Episode-scoped
// rules run once per bundle; treatment- and tumour-scoped rules run once per
// owned record.
type Scope string

const (
	ScopeEpisode   Scope = "episode"
	ScopeTreatment Scope = "treatment"
	ScopeTumour    Scope = "tumour"
)

var validScopes = map[Scope]bool{ScopeEpisode: true, ScopeTreatment: true, ScopeTumour: true}

// Rule is one entry of the requirement table. FieldPath addresses the field
// relative to the rule's scope (e.g. "treatment.surgery.asa_score"). When is
// a CEL applicability predicate over the variables episode, treatment and
// tumour; an empty predicate means always applicable. Optional rules are
// reported when missing but never count against the completeness
// percentage.
type Rule struct {
	AuditCode string `yaml:"audit_code" json:"audit_code"`
	FieldPath string `yaml:"field_path" json:"field_path"`
	Scope     Scope  `yaml:"scope" json:"scope"`
	When      string `yaml:"when,omitempty" json:"when,omitempty"`
	Optional  bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Table is one version of the field-requirement table. A validator pins a
// single table for the whole run, so rules cannot change mid-computation.
type Table struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

func (t *Table) validate() error {
	if t.Version == "" {
		return fmt.Errorf("rule table: version is required")
	}
	if len(t.Rules) == 0 {
		return fmt.Errorf("rule table %s: no rules defined", t.Version)
	}
	seen := make(map[string]bool, len(t.Rules))
	for i, r := range t.Rules {
		if r.AuditCode == "" {
			return fmt.Errorf("rule table %s: rule %d has no audit code", t.Version, i)
		}
		if seen[r.AuditCode] {
			return fmt.Errorf("rule table %s: duplicate audit code %s", t.Version, r.AuditCode)
		}
		seen[r.AuditCode] = true
		if r.FieldPath == "" {
			return fmt.Errorf("rule table %s: rule %s has no field path", t.Version, r.AuditCode)
		}
		if !validScopes[r.Scope] {
			return fmt.Errorf("rule table %s: rule %s has invalid scope %q", t.Version, r.AuditCode, r.Scope)
		}
		if !strings.HasPrefix(r.FieldPath, string(r.Scope)+".") {
			return fmt.Errorf("rule table %s: rule %s field path %q does not start with its scope %q",
				t.Version, r.AuditCode, r.FieldPath, r.Scope)
		}
	}
	return nil
}

// LoadTableYAML reads a requirement table from a YAML file, replacing the
// built-in default.
func LoadTableYAML(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table %s: %w", path, err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse rule table %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

const surgicalWhen = `treatment.treatment_type.startsWith("surgery")`

// DefaultTable returns the built-in requirement table. Audit codes follow
// the national bowel cancer audit numbering.
func DefaultTable() *Table {
	return &Table{
		Version: "v10.2",
		Rules: []Rule{
			// Episode pathway fields.
			{AuditCode: "CR0010", FieldPath: "episode.patient_id", Scope: ScopeEpisode},
			{AuditCode: "CR0020", FieldPath: "episode.cancer_type", Scope: ScopeEpisode},
			{AuditCode: "CR0030", FieldPath: "episode.referral_date", Scope: ScopeEpisode},
			{AuditCode: "CR0040", FieldPath: "episode.first_seen_date", Scope: ScopeEpisode},
			{AuditCode: "CR0050", FieldPath: "episode.mdt_discussion_date", Scope: ScopeEpisode,
				When: `episode.cancer_type == "bowel"`},
			{AuditCode: "CR0060", FieldPath: "episode.lead_clinician", Scope: ScopeEpisode},
			{AuditCode: "CR0070", FieldPath: "episode.provider_code", Scope: ScopeEpisode, Optional: true},

			// Treatment fields.
			{AuditCode: "CR1010", FieldPath: "treatment.treatment_date", Scope: ScopeTreatment},
			{AuditCode: "CR1020", FieldPath: "treatment.provider_code", Scope: ScopeTreatment},
			{AuditCode: "CR1110", FieldPath: "treatment.surgery.procedure_code", Scope: ScopeTreatment,
				When: surgicalWhen},
			{AuditCode: "CR1120", FieldPath: "treatment.surgery.approach", Scope: ScopeTreatment,
				When: `treatment.treatment_type == "surgery_primary"`},
			{AuditCode: "CR1130", FieldPath: "treatment.surgery.asa_score", Scope: ScopeTreatment,
				When: surgicalWhen},
			{AuditCode: "CR1140", FieldPath: "treatment.surgery.parent_treatment_id", Scope: ScopeTreatment,
				When: `treatment.treatment_type in ["surgery_rtt", "surgery_reversal"]`},
			{AuditCode: "CR1150", FieldPath: "treatment.surgery.anastomotic_leak.isgps_grade", Scope: ScopeTreatment,
				When: `has(treatment.surgery) && has(treatment.surgery.anastomotic_leak) && treatment.surgery.anastomotic_leak.occurred`},
			{AuditCode: "CR1160", FieldPath: "treatment.surgery.stoma_planned_reversal_date", Scope: ScopeTreatment,
				When: `has(treatment.surgery) && treatment.surgery.stoma_created`, Optional: true},

			// Tumour pathology fields.
			{AuditCode: "CR2010", FieldPath: "tumour.site", Scope: ScopeTumour},
			{AuditCode: "CR2020", FieldPath: "tumour.histology", Scope: ScopeTumour},
			{AuditCode: "CR2030", FieldPath: "tumour.tnm_edition", Scope: ScopeTumour},
			{AuditCode: "CR2040", FieldPath: "tumour.pathological_t", Scope: ScopeTumour},
			{AuditCode: "CR2050", FieldPath: "tumour.pathological_n", Scope: ScopeTumour},
			{AuditCode: "CR2060", FieldPath: "tumour.pathological_m", Scope: ScopeTumour},
			{AuditCode: "CR2070", FieldPath: "tumour.nodes_examined", Scope: ScopeTumour,
				When: `episode.cancer_type == "bowel"`},
			{AuditCode: "CR2080", FieldPath: "tumour.nodes_positive", Scope: ScopeTumour,
				When: `episode.cancer_type == "bowel"`},
			{AuditCode: "CR2090", FieldPath: "tumour.crm_status", Scope: ScopeTumour,
				When: `episode.cancer_type == "bowel"`, Optional: true},
		},
	}
}
