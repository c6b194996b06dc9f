package staging

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oncaudit/oncaudit/internal/domain/validation"
)

// StageUnknown is returned whenever any of T/N/M is absent. Staging never
// guesses from partial data.
const StageUnknown = "unknown"

// Result is the outcome of one staging calculation.
type Result struct {
	StageGroup string            `json:"stage_group"`
	Edition    int               `json:"edition"`
	Basis      string            `json:"basis,omitempty"` // "clinical" or "pathological"
	Issues     validation.Issues `json:"issues,omitempty"`
}

type tableKey struct {
	cancerType string
	edition    int
}

// Calculator performs deterministic stage lookups against a pinned set of
// tables. It holds no mutable state after construction, so a single instance
// is safe for concurrent use.
type Calculator struct {
	tables map[tableKey]*Table
	latest map[string]int
}

// NewCalculator indexes the given tables. Later tables replace earlier ones
// for the same (cancer type, edition), which lets callers layer a YAML
// override file on top of DefaultTables.
func NewCalculator(tables []Table) (*Calculator, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("staging: at least one table is required")
	}
	c := &Calculator{
		tables: make(map[tableKey]*Table),
		latest: make(map[string]int),
	}
	for i := range tables {
		t := tables[i]
		if err := t.validate(); err != nil {
			return nil, err
		}
		ct := strings.ToLower(t.CancerType)
		c.tables[tableKey{ct, t.Edition}] = &t
		if t.Edition > c.latest[ct] {
			c.latest[ct] = t.Edition
		}
	}
	return c, nil
}

// LatestEdition returns the newest edition loaded for a cancer type, or 0 if
// the cancer type has no tables.
func (c *Calculator) LatestEdition(cancerType string) int {
	return c.latest[strings.ToLower(cancerType)]
}

// TableInfo identifies one loaded staging table.
type TableInfo struct {
	CancerType string `json:"cancer_type"`
	Edition    int    `json:"edition"`
	Rows       int    `json:"rows"`
}

// Tables lists the loaded staging tables, ordered by cancer type then edition.
func (c *Calculator) Tables() []TableInfo {
	out := make([]TableInfo, 0, len(c.tables))
	for k, t := range c.tables {
		out = append(out, TableInfo{CancerType: k.cancerType, Edition: k.edition, Rows: len(t.Rows)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CancerType != out[j].CancerType {
			return out[i].CancerType < out[j].CancerType
		}
		return out[i].Edition < out[j].Edition
	})
	return out
}

// Stage maps a T/N/M triple to a stage group. A nil edition defaults to the
// latest supported edition for the cancer type with a recorded warning. A nil
// T, N or M yields StageUnknown without error; a code outside the edition's
// code set yields StageUnknown with an InvalidStagingCode issue. Path is the
// field-path prefix used in reported issues (e.g. "tumours[0]").
func (c *Calculator) Stage(path, cancerType string, edition *int, t, n, m *string) Result {
	var issues validation.Issues

	ct := strings.ToLower(strings.TrimSpace(cancerType))
	ed := 0
	if edition != nil {
		ed = *edition
	} else {
		ed = c.latest[ct]
		if ed != 0 {
			issues = append(issues, validation.Warnf(validation.CodeInvalidStagingCode,
				path+".tnm_edition", "tnm edition missing, defaulted to edition %d", ed))
		}
	}

	table, ok := c.tables[tableKey{ct, ed}]
	if !ok {
		issues = append(issues, validation.Errorf(validation.CodeInvalidStagingCode,
			path+".tnm_edition", "no staging table for cancer type %q edition %d", cancerType, ed))
		return Result{StageGroup: StageUnknown, Edition: ed, Issues: issues}
	}

	if t == nil || n == nil || m == nil {
		return Result{StageGroup: StageUnknown, Edition: ed, Issues: issues}
	}

	tc, nc, mc := normalizeCode(*t), normalizeCode(*n), normalizeCode(*m)
	bad := false
	if !codeInSet(tc, table.TCodes) {
		issues = append(issues, validation.Errorf(validation.CodeInvalidStagingCode, path+".t", "unrecognized T code %q for edition %d", *t, ed))
		bad = true
	}
	if !codeInSet(nc, table.NCodes) {
		issues = append(issues, validation.Errorf(validation.CodeInvalidStagingCode, path+".n", "unrecognized N code %q for edition %d", *n, ed))
		bad = true
	}
	if !codeInSet(mc, table.MCodes) {
		issues = append(issues, validation.Errorf(validation.CodeInvalidStagingCode, path+".m", "unrecognized M code %q for edition %d", *m, ed))
		bad = true
	}
	if bad {
		return Result{StageGroup: StageUnknown, Edition: ed, Issues: issues}
	}

	for _, row := range table.Rows {
		if matches(tc, row.T) && matches(nc, row.N) && matches(mc, row.M) {
			return Result{StageGroup: row.Stage, Edition: ed, Issues: issues}
		}
	}

	// Complete, valid triple with no row: the table has a gap.
	issues = append(issues, validation.Errorf(validation.CodeInvalidStagingCode, path,
		"no stage mapping for %s/%s/%s in %s edition %d", tc, nc, mc, cancerType, ed))
	return Result{StageGroup: StageUnknown, Edition: ed, Issues: issues}
}

// normalizeCode uppercases and strips the clinical/pathological prefix so
// "pT3" and "T3" resolve to the same table code.
func normalizeCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) > 1 && (c[0] == 'P' || c[0] == 'C') && (c[1] == 'T' || c[1] == 'N' || c[1] == 'M') {
		c = c[1:]
	}
	return c
}

func codeInSet(code string, set []string) bool {
	for _, s := range set {
		if code == s {
			return true
		}
	}
	return false
}

func matches(code string, rowCodes []string) bool {
	for _, rc := range rowCodes {
		if rc == Any || rc == code {
			return true
		}
	}
	return false
}
