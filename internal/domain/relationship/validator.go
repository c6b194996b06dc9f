// Package relationship verifies the directed graph of treatments within one
// episode: return-to-theatre and stoma-reversal surgeries must reference a
// real parent surgery, and the stoma lifecycle (created, optionally
// planned-reversal-dated, closed) must be consistent.
package relationship

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/oncaudit/oncaudit/internal/domain/episode"
	"github.com/oncaudit/oncaudit/internal/domain/validation"
)

// Validate checks parent references and stoma state across the episode's
// flat treatment list. Parents are resolved by identifier lookup within the
// list, never by pointer chasing. The input is only read, never mutated; the
// result is the per-episode list of violations.
func Validate(treatments []*episode.Treatment) validation.Issues {
	var issues validation.Issues

	byID := make(map[uuid.UUID]*episode.Treatment, len(treatments))
	for _, t := range treatments {
		byID[t.ID] = t
	}

	// A parent may be reversed at most once; later attempts are duplicates.
	reversedParents := make(map[uuid.UUID]bool)

	for i, t := range treatments {
		if !t.Type.RequiresParent() {
			continue
		}
		path := fmt.Sprintf("treatments[%d]", i)

		if t.Surgery == nil || t.Surgery.ParentTreatmentID == nil {
			issues = append(issues, validation.Errorf(validation.CodeDanglingReference,
				path+".surgery.parent_treatment_id", "%s requires a parent treatment reference", t.Type))
			continue
		}

		parentID := *t.Surgery.ParentTreatmentID
		parent, ok := byID[parentID]
		if !ok {
			issues = append(issues, validation.Errorf(validation.CodeDanglingReference,
				path+".surgery.parent_treatment_id", "parent treatment %s not found in episode", parentID))
			continue
		}
		if !parent.Type.IsSurgical() {
			issues = append(issues, validation.Errorf(validation.CodeDanglingReference,
				path+".surgery.parent_treatment_id", "parent treatment %s is %s, not a surgery", parentID, parent.Type))
			continue
		}

		if t.Type != episode.TreatmentSurgeryReversal {
			continue
		}

		// Reversal-specific stoma checks.
		if parent.Surgery == nil || !parent.Surgery.StomaCreated {
			issues = append(issues, validation.Errorf(validation.CodeInvalidStomaState,
				path+".surgery.parent_treatment_id", "reversal parent %s has no stoma", parentID))
			continue
		}
		if closed := parent.Surgery.StomaClosureDate; closed != nil {
			if t.TreatmentDate == nil {
				// The stoma has a closure date but the reversal is undated,
				// so the ordering cannot be verified either way.
				issues = append(issues, validation.Warnf(validation.CodeInvalidStomaState,
					path+".treatment_date", "reversal is undated but stoma of parent %s has closure date %s; ordering cannot be verified",
					parentID, closed.Format("2006-01-02")))
			} else if closed.Before(*t.TreatmentDate) {
				issues = append(issues, validation.Errorf(validation.CodeInvalidStomaState,
					path+".treatment_date", "stoma of parent %s was already closed on %s", parentID, closed.Format("2006-01-02")))
				continue
			}
		}
		if reversedParents[parentID] {
			issues = append(issues, validation.Errorf(validation.CodeDuplicateReversal,
				path, "parent treatment %s already has a reversal", parentID))
			continue
		}
		reversedParents[parentID] = true
	}

	return issues
}
