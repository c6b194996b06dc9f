package compliance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/oncaudit/oncaudit/internal/domain/episode"
	"github.com/oncaudit/oncaudit/internal/domain/validation"
)

// MissingField identifies one applicable-but-absent field, tagged with its
// audit code so the failure is actionable.
type MissingField struct {
	Code string `json:"code"`
	Path string `json:"path"`
}

// Report is the completeness result for one bundle against one table
// version. FieldCompleteness maps each applicable audit code to whether
// every applicable instance of it was present.
type Report struct {
	CompletenessPct   float64           `json:"completeness_pct"`
	MissingFields     []MissingField    `json:"missing_fields"`
	Verdict           string            `json:"verdict"` // "pass" or "fail"
	SchemaVersion     string            `json:"schema_version"`
	ApplicableTotal   int               `json:"applicable_total"`
	ApplicablePresent int               `json:"applicable_present"`
	FieldCompleteness map[string]bool   `json:"field_completeness"`
	MissingOptional   []MissingField    `json:"missing_optional,omitempty"`
	Issues            validation.Issues `json:"issues,omitempty"`
}

// Validator evaluates one pinned table version against bundles. Predicates
// are compiled once at construction and cached; evaluation is read-only, so
// a single validator is safe for concurrent use across episodes.
type Validator struct {
	table     *Table
	threshold float64
	env       *cel.Env
	mu        sync.RWMutex
	programs  map[string]cel.Program
}

// NewValidator compiles every predicate in the table up front so malformed
// rules fail at deploy time, not per-bundle. Threshold is the completeness
// percentage below which export is refused.
func NewValidator(table *Table, threshold float64) (*Validator, error) {
	if table == nil {
		return nil, fmt.Errorf("compliance: rule table is required")
	}
	if err := table.validate(); err != nil {
		return nil, err
	}
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("compliance: threshold must be within [0, 100], got %g", threshold)
	}

	env, err := cel.NewEnv(
		cel.Variable("episode", cel.DynType),
		cel.Variable("treatment", cel.DynType),
		cel.Variable("tumour", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("compliance: create CEL environment: %w", err)
	}

	v := &Validator{
		table:     table,
		threshold: threshold,
		env:       env,
		programs:  make(map[string]cel.Program),
	}
	for _, r := range table.Rules {
		if r.When == "" {
			continue
		}
		if _, err := v.program(r.When); err != nil {
			return nil, fmt.Errorf("compliance: rule %s: %w", r.AuditCode, err)
		}
	}
	return v, nil
}

// TableVersion returns the pinned requirement-table version.
func (v *Validator) TableVersion() string { return v.table.Version }

// Threshold returns the configured export threshold percentage.
func (v *Validator) Threshold() float64 { return v.threshold }

// Validate runs the full rule table against one bundle. Predicate
// evaluation errors are reported as warning issues and the affected rule is
// skipped, so one bad rule never sinks the whole report.
func (v *Validator) Validate(b *episode.Bundle) *Report {
	report := &Report{
		SchemaVersion:     v.table.Version,
		FieldCompleteness: make(map[string]bool),
		MissingFields:     []MissingField{},
	}

	epMap := toMap(b.Episode)
	treatments := make([]map[string]interface{}, len(b.Treatments))
	for i, t := range b.Treatments {
		treatments[i] = toMap(t)
	}
	tumours := make([]map[string]interface{}, len(b.Tumours))
	for i, t := range b.Tumours {
		tumours[i] = toMap(t)
	}

	for _, rule := range v.table.Rules {
		switch rule.Scope {
		case ScopeEpisode:
			v.applyRule(report, rule, epMap, nil, nil, rule.FieldPath)
		case ScopeTreatment:
			for i, tm := range treatments {
				path := strings.Replace(rule.FieldPath, "treatment.", fmt.Sprintf("treatments[%d].", i), 1)
				v.applyRule(report, rule, epMap, tm, nil, path)
			}
		case ScopeTumour:
			for i, tm := range tumours {
				path := strings.Replace(rule.FieldPath, "tumour.", fmt.Sprintf("tumours[%d].", i), 1)
				v.applyRule(report, rule, epMap, nil, tm, path)
			}
		}
	}

	if report.ApplicableTotal == 0 {
		report.CompletenessPct = 100
	} else {
		report.CompletenessPct = 100 * float64(report.ApplicablePresent) / float64(report.ApplicableTotal)
	}
	if report.CompletenessPct >= v.threshold {
		report.Verdict = "pass"
	} else {
		report.Verdict = "fail"
	}
	return report
}

// applyRule evaluates one rule against one record instance and accumulates
// the result into the report.
func (v *Validator) applyRule(report *Report, rule Rule, ep, treatment, tumour map[string]interface{}, reportPath string) {
	applicable, err := v.applicable(rule, ep, treatment, tumour)
	if err != nil {
		report.Issues = append(report.Issues, validation.Warnf(validation.CodeInvalidState,
			reportPath, "rule %s predicate failed: %v", rule.AuditCode, err))
		return
	}
	if !applicable {
		return
	}

	root := map[string]interface{}{
		"episode":   ep,
		"treatment": treatment,
		"tumour":    tumour,
	}
	present := fieldPresent(root, rule.FieldPath)

	if rule.Optional {
		if !present {
			report.MissingOptional = append(report.MissingOptional, MissingField{Code: rule.AuditCode, Path: reportPath})
		}
		return
	}

	report.ApplicableTotal++
	if present {
		report.ApplicablePresent++
	} else {
		report.MissingFields = append(report.MissingFields, MissingField{Code: rule.AuditCode, Path: reportPath})
	}
	// A code is complete only if every applicable instance was present.
	if done, seen := report.FieldCompleteness[rule.AuditCode]; seen {
		report.FieldCompleteness[rule.AuditCode] = done && present
	} else {
		report.FieldCompleteness[rule.AuditCode] = present
	}
}

func (v *Validator) applicable(rule Rule, ep, treatment, tumour map[string]interface{}) (bool, error) {
	if rule.When == "" {
		return true, nil
	}
	prg, err := v.program(rule.When)
	if err != nil {
		return false, err
	}
	input := map[string]interface{}{
		"episode":   orEmpty(ep),
		"treatment": orEmpty(treatment),
		"tumour":    orEmpty(tumour),
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate result is %T, not bool", out.Value())
	}
	return b, nil
}

// program compiles a predicate, caching the result under a double-checked
// lock so concurrent validations share compiled programs.
func (v *Validator) program(expr string) (cel.Program, error) {
	v.mu.RLock()
	prg, ok := v.programs[expr]
	v.mu.RUnlock()
	if ok {
		return prg, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if prg, ok = v.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := v.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	v.programs[expr] = prg
	return prg, nil
}

// toMap renders a record through its JSON tags so field paths use the same
// snake_case names as the wire format. Optional fields marshal away under
// omitempty, which is exactly the absence the presence check needs.
func toMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// fieldPresent walks a dotted field path from the scope roots. A field is
// present when it exists, is non-nil and, for strings, non-empty. Zero and
// false are values, not absences.
func fieldPresent(root map[string]interface{}, fieldPath string) bool {
	var cur interface{} = root
	for _, seg := range strings.Split(fieldPath, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return false
		}
		cur, ok = m[seg]
		if !ok {
			return false
		}
	}
	if cur == nil {
		return false
	}
	if s, ok := cur.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}
