// Package complications validates the complication and anastomotic-leak
// sub-records attached to surgical treatments.
package complications

import (
	"github.com/oncaudit/oncaudit/internal/domain/episode"
	"github.com/oncaudit/oncaudit/internal/domain/validation"
)

// clavienRank orders Clavien-Dindo grades so severity comparisons do not
// depend on string ordering.
var clavienRank = map[string]int{
	"I": 1, "II": 2, "IIIa": 3, "IIIb": 4, "IVa": 5, "IVb": 6, "V": 7,
}

var validISGPSGrades = map[string]bool{"A": true, "B": true, "C": true}

// Check validates the complication state of one surgical treatment. Path is
// the field-path prefix for reported issues (e.g. "treatments[0]"). The input
// is never mutated. Non-surgical treatments yield no issues.
func Check(path string, t *episode.Treatment) validation.Issues {
	var issues validation.Issues
	if t == nil || t.Surgery == nil {
		return issues
	}
	s := t.Surgery

	if leak := s.AnastomoticLeak; leak != nil {
		leakPath := path + ".surgery.anastomotic_leak"

		// A leak record presupposes an anastomosis.
		if !s.AnastomosisPerformed {
			issues = append(issues, validation.Errorf(validation.CodeInvalidState,
				leakPath, "leak without anastomosis"))
		}

		if leak.Occurred {
			if leak.ISGPSGrade == nil {
				issues = append(issues, validation.Errorf(validation.CodeInvalidState,
					leakPath+".isgps_grade", "severity grade is required when a leak occurred"))
			} else if !validISGPSGrades[*leak.ISGPSGrade] {
				issues = append(issues, validation.Errorf(validation.CodeInvalidState,
					leakPath+".isgps_grade", "invalid ISGPS grade %q (want A, B or C)", *leak.ISGPSGrade))
			}
		}

		if leak.ReoperationPerformed {
			if leak.ReoperationDate == nil {
				issues = append(issues, validation.Errorf(validation.CodeInvalidState,
					leakPath+".reoperation_date", "reoperation date is required when a reoperation was performed"))
			}
			if leak.ReoperationProcedure == nil || *leak.ReoperationProcedure == "" {
				issues = append(issues, validation.Errorf(validation.CodeInvalidState,
					leakPath+".reoperation_procedure", "reoperation procedure is required when a reoperation was performed"))
			}
		}

		// A resolved outcome and a death outcome are mutually exclusive.
		if leak.Mortality && leak.Resolved {
			issues = append(issues, validation.Errorf(validation.CodeConflictingOutcome,
				leakPath+".resolved", "leak cannot be both resolved and fatal"))
		}

		issues = append(issues, checkGradeConsistency(path, s)...)
	}

	if comp := s.Complication; comp != nil && comp.Occurred {
		if comp.ClavienDindoGrade != nil {
			if _, ok := clavienRank[*comp.ClavienDindoGrade]; !ok {
				issues = append(issues, validation.Errorf(validation.CodeInvalidState,
					path+".surgery.complication.clavien_dindo_grade",
					"invalid Clavien-Dindo grade %q", *comp.ClavienDindoGrade))
			}
		}
	}

	return issues
}

// checkGradeConsistency compares the Clavien-Dindo grade against the leak's
// ISGPS grade where both exist. A grade C leak required reintervention under
// general anaesthesia, so a Clavien-Dindo below IIIb is suspicious. Clinical
// judgment may legitimately diverge, so a mismatch is a warning, not a hard
// failure.
func checkGradeConsistency(path string, s *episode.SurgeryDetail) validation.Issues {
	var issues validation.Issues
	leak := s.AnastomoticLeak
	if leak == nil || leak.ISGPSGrade == nil || s.Complication == nil || s.Complication.ClavienDindoGrade == nil {
		return issues
	}
	cd, ok := clavienRank[*s.Complication.ClavienDindoGrade]
	if !ok {
		return issues
	}
	if *leak.ISGPSGrade == "C" && cd < clavienRank["IIIb"] {
		issues = append(issues, validation.Warnf(validation.CodeConflictingOutcome,
			path+".surgery.complication.clavien_dindo_grade",
			"grade C leak usually implies Clavien-Dindo IIIb or above, got %q", *s.Complication.ClavienDindoGrade))
	}
	return issues
}
