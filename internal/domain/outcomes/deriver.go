// Package outcomes derives standardized mortality, readmission and
// length-of-stay flags from episode event dates. Derive is a pure function:
// the same input always produces the same flags, so cohort-wide
// recomputation can run in parallel with no coordination.
package outcomes

import (
	"time"

	"github.com/oncaudit/oncaudit/internal/domain/validation"
)

// Input carries the event dates for one episode. All dates are calendar
// dates; any time-of-day component is ignored.
type Input struct {
	TreatmentDate   time.Time  `json:"treatment_date"`
	DeathDate       *time.Time `json:"death_date,omitempty"`
	DeathLocation   *string    `json:"death_location,omitempty"` // "hospital" or "community"
	AdmissionDate   *time.Time `json:"admission_date,omitempty"`
	DischargeDate   *time.Time `json:"discharge_date,omitempty"`
	ReadmissionDate *time.Time `json:"readmission_date,omitempty"`
}

// Flags is the derived outcome set. It is an ephemeral view, recomputed on
// demand and never hand-edited.
type Flags struct {
	Mortality30Day          bool `json:"mortality_30day"`
	Mortality30DayHospital  bool `json:"mortality_30day_hospital"`
	Mortality30DayCommunity bool `json:"mortality_30day_community"`
	Mortality90Day          bool `json:"mortality_90day"`
	Mortality90DayHospital  bool `json:"mortality_90day_hospital"`
	Mortality90DayCommunity bool `json:"mortality_90day_community"`
	LengthOfStayDays        *int `json:"length_of_stay_days,omitempty"`
	Readmission30Day        bool `json:"readmission_30day"`
}

// Derive computes outcome flags from event dates. Date inconsistencies
// (death before treatment, discharge before admission) are reported as
// issues rather than swallowed; the affected flags stay at their zero values
// and derivation continues best-effort.
func Derive(path string, in Input) (Flags, validation.Issues) {
	var flags Flags
	var issues validation.Issues

	if in.DeathDate != nil {
		days := daysBetween(in.TreatmentDate, *in.DeathDate)
		if days < 0 {
			issues = append(issues, validation.Errorf(validation.CodeInconsistentDates,
				path+".death_date", "death date precedes treatment date by %d day(s)", -days))
		} else {
			hospital := in.DeathLocation != nil && *in.DeathLocation == "hospital"
			community := in.DeathLocation != nil && *in.DeathLocation == "community"
			if days <= 30 {
				flags.Mortality30Day = true
				flags.Mortality30DayHospital = hospital
				flags.Mortality30DayCommunity = community
			}
			if days <= 90 {
				flags.Mortality90Day = true
				flags.Mortality90DayHospital = hospital
				flags.Mortality90DayCommunity = community
			}
		}
	}

	if in.AdmissionDate != nil && in.DischargeDate != nil {
		los := daysBetween(*in.AdmissionDate, *in.DischargeDate)
		if los < 0 {
			issues = append(issues, validation.Errorf(validation.CodeInconsistentDates,
				path+".discharge_date", "discharge date precedes admission date by %d day(s)", -los))
		} else {
			flags.LengthOfStayDays = &los
		}
	}

	if in.ReadmissionDate != nil && in.DischargeDate != nil {
		gap := daysBetween(*in.DischargeDate, *in.ReadmissionDate)
		if gap < 0 {
			issues = append(issues, validation.Errorf(validation.CodeInconsistentDates,
				path+".readmission_date", "readmission date precedes discharge date by %d day(s)", -gap))
		} else if gap <= 30 {
			flags.Readmission30Day = true
		}
	}

	return flags, issues
}

// daysBetween returns the difference b-a in calendar days, not 24-hour
// periods: both instants are truncated to their UTC calendar date first.
func daysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}
