// Package staging derives TNM stage groups from versioned, per-cancer-type
// lookup tables. The tables are data, not code: national staging rules change
// by edition, so updating them must never require a logic change.
package staging

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Any is the wildcard code that matches every value of its component in a
// table row. Tie-break cases (e.g. Tis is stage 0 regardless of N/M) are
// encoded as explicit wildcard rows rather than special-cased branches.
const Any = "*"

// Row maps a set of T/N/M code combinations to one stage group. Rows are
// evaluated in order; the first match wins.
type Row struct {
	T     []string `yaml:"t" json:"t"`
	N     []string `yaml:"n" json:"n"`
	M     []string `yaml:"m" json:"m"`
	Stage string   `yaml:"stage" json:"stage"`
}

// Table is the staging lookup for one cancer type and TNM edition. The code
// slices define the finite per-edition code sets; anything outside them is an
// invalid staging code.
type Table struct {
	CancerType string   `yaml:"cancer_type" json:"cancer_type"`
	Edition    int      `yaml:"edition" json:"edition"`
	TCodes     []string `yaml:"t_codes" json:"t_codes"`
	NCodes     []string `yaml:"n_codes" json:"n_codes"`
	MCodes     []string `yaml:"m_codes" json:"m_codes"`
	Rows       []Row    `yaml:"rows" json:"rows"`
}

func (t *Table) validate() error {
	if t.CancerType == "" {
		return fmt.Errorf("staging table: cancer_type is required")
	}
	if t.Edition <= 0 {
		return fmt.Errorf("staging table %s: edition must be positive", t.CancerType)
	}
	if len(t.Rows) == 0 {
		return fmt.Errorf("staging table %s edition %d: no rows", t.CancerType, t.Edition)
	}
	for i, r := range t.Rows {
		if r.Stage == "" {
			return fmt.Errorf("staging table %s edition %d: row %d has no stage", t.CancerType, t.Edition, i)
		}
	}
	return nil
}

// LoadTablesYAML reads staging tables from a YAML file. The file holds a list
// of tables; each replaces the built-in default for its (cancer_type, edition)
// pair when passed to NewCalculator.
func LoadTablesYAML(path string) ([]Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read staging tables %s: %w", path, err)
	}
	var doc struct {
		Tables []Table `yaml:"tables"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse staging tables %s: %w", path, err)
	}
	if len(doc.Tables) == 0 {
		return nil, fmt.Errorf("staging tables %s: no tables defined", path)
	}
	return doc.Tables, nil
}

// Editions lists the editions available for a cancer type in ascending order.
func Editions(tables []Table, cancerType string) []int {
	var out []int
	for _, t := range tables {
		if strings.EqualFold(t.CancerType, cancerType) {
			out = append(out, t.Edition)
		}
	}
	sort.Ints(out)
	return out
}

// bowel code sets shared by both supported editions. TNM8 adds N1c and M1c.
var (
	bowelT7 = []string{"TIS", "T0", "T1", "T2", "T3", "T4", "T4A", "T4B"}
	bowelN7 = []string{"N0", "N1", "N1A", "N1B", "N2", "N2A", "N2B"}
	bowelM7 = []string{"M0", "M1", "M1A", "M1B"}
	bowelT8 = bowelT7
	bowelN8 = []string{"N0", "N1", "N1A", "N1B", "N1C", "N2", "N2A", "N2B"}
	bowelM8 = []string{"M0", "M1", "M1A", "M1B", "M1C"}
)

// DefaultTables returns the built-in bowel staging tables for TNM editions 7
// and 8, following the published staging-table combinatorics. Deployments
// with additional cancer types supply them via STAGING_TABLE_FILE.
func DefaultTables() []Table {
	return []Table{
		{
			CancerType: "bowel",
			Edition:    8,
			TCodes:     bowelT8,
			NCodes:     bowelN8,
			MCodes:     bowelM8,
			Rows: []Row{
				// Carcinoma in situ is stage 0 whatever N/M say.
				{T: []string{"TIS"}, N: []string{Any}, M: []string{Any}, Stage: "0"},
				// Distant metastasis dominates all T/N combinations.
				{T: []string{Any}, N: []string{Any}, M: []string{"M1A"}, Stage: "IVA"},
				{T: []string{Any}, N: []string{Any}, M: []string{"M1B"}, Stage: "IVB"},
				{T: []string{Any}, N: []string{Any}, M: []string{"M1C"}, Stage: "IVC"},
				{T: []string{Any}, N: []string{Any}, M: []string{"M1"}, Stage: "IV"},
				// Node negative.
				{T: []string{"T0", "T1", "T2"}, N: []string{"N0"}, M: []string{"M0"}, Stage: "I"},
				{T: []string{"T3"}, N: []string{"N0"}, M: []string{"M0"}, Stage: "IIA"},
				{T: []string{"T4A"}, N: []string{"N0"}, M: []string{"M0"}, Stage: "IIB"},
				{T: []string{"T4B", "T4"}, N: []string{"N0"}, M: []string{"M0"}, Stage: "IIC"},
				// Node positive.
				{T: []string{"T1"}, N: []string{"N2A"}, M: []string{"M0"}, Stage: "IIIA"},
				{T: []string{"T0", "T1", "T2"}, N: []string{"N1", "N1A", "N1B", "N1C"}, M: []string{"M0"}, Stage: "IIIA"},
				{T: []string{"T1", "T2"}, N: []string{"N2B"}, M: []string{"M0"}, Stage: "IIIB"},
				{T: []string{"T2", "T3"}, N: []string{"N2A"}, M: []string{"M0"}, Stage: "IIIB"},
				{T: []string{"T3", "T4A", "T4"}, N: []string{"N1", "N1A", "N1B", "N1C"}, M: []string{"M0"}, Stage: "IIIB"},
				{T: []string{"T4A"}, N: []string{"N2A"}, M: []string{"M0"}, Stage: "IIIC"},
				{T: []string{"T3", "T4A"}, N: []string{"N2B"}, M: []string{"M0"}, Stage: "IIIC"},
				{T: []string{"T4B", "T4"}, N: []string{"N1", "N1A", "N1B", "N1C", "N2", "N2A", "N2B"}, M: []string{"M0"}, Stage: "IIIC"},
				{T: []string{Any}, N: []string{"N2"}, M: []string{"M0"}, Stage: "IIIC"},
			},
		},
		{
			CancerType: "bowel",
			Edition:    7,
			TCodes:     bowelT7,
			NCodes:     bowelN7,
			MCodes:     bowelM7,
			Rows: []Row{
				{T: []string{"TIS"}, N: []string{Any}, M: []string{Any}, Stage: "0"},
				{T: []string{Any}, N: []string{Any}, M: []string{"M1A"}, Stage: "IVA"},
				{T: []string{Any}, N: []string{Any}, M: []string{"M1B"}, Stage: "IVB"},
				{T: []string{Any}, N: []string{Any}, M: []string{"M1"}, Stage: "IV"},
				{T: []string{"T0", "T1", "T2"}, N: []string{"N0"}, M: []string{"M0"}, Stage: "I"},
				{T: []string{"T3"}, N: []string{"N0"}, M: []string{"M0"}, Stage: "IIA"},
				{T: []string{"T4A"}, N: []string{"N0"}, M: []string{"M0"}, Stage: "IIB"},
				{T: []string{"T4B", "T4"}, N: []string{"N0"}, M: []string{"M0"}, Stage: "IIC"},
				{T: []string{"T1"}, N: []string{"N2A"}, M: []string{"M0"}, Stage: "IIIA"},
				{T: []string{"T0", "T1", "T2"}, N: []string{"N1", "N1A", "N1B"}, M: []string{"M0"}, Stage: "IIIA"},
				{T: []string{"T1", "T2"}, N: []string{"N2B"}, M: []string{"M0"}, Stage: "IIIB"},
				{T: []string{"T2", "T3"}, N: []string{"N2A"}, M: []string{"M0"}, Stage: "IIIB"},
				{T: []string{"T3", "T4A", "T4"}, N: []string{"N1", "N1A", "N1B"}, M: []string{"M0"}, Stage: "IIIB"},
				{T: []string{"T4A"}, N: []string{"N2A"}, M: []string{"M0"}, Stage: "IIIC"},
				{T: []string{"T3", "T4A"}, N: []string{"N2B"}, M: []string{"M0"}, Stage: "IIIC"},
				{T: []string{"T4B", "T4"}, N: []string{"N1", "N1A", "N1B", "N2", "N2A", "N2B"}, M: []string{"M0"}, Stage: "IIIC"},
				{T: []string{Any}, N: []string{"N2"}, M: []string{"M0"}, Stage: "IIIC"},
			},
		},
	}
}
