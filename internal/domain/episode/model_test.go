package episode

import (
	"testing"

	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to LifecycleState
		want     bool
	}{
		// One step forward.
		{StateDraft, StateAnnotated, true},
		{StateAnnotated, StateValidated, true},
		{StateValidated, StateExported, true},
		// Skipping states is illegal.
		{StateDraft, StateValidated, false},
		{StateDraft, StateExported, false},
		{StateAnnotated, StateExported, false},
		// Re-entering the same non-draft state (recompute).
		{StateAnnotated, StateAnnotated, true},
		{StateValidated, StateValidated, true},
		{StateExported, StateExported, true},
		// Any state can fall back to draft.
		{StateAnnotated, StateDraft, true},
		{StateValidated, StateDraft, true},
		{StateExported, StateDraft, true},
		{StateDraft, StateDraft, true},
		// Moving backwards to anything but draft is illegal.
		{StateValidated, StateAnnotated, false},
		{StateExported, StateValidated, false},
		{StateExported, StateAnnotated, false},
		// Unknown states never transition.
		{LifecycleState("bogus"), StateDraft, false},
		{StateDraft, LifecycleState("bogus"), false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTreatmentType_IsSurgical(t *testing.T) {
	surgical := []TreatmentType{TreatmentSurgeryPrimary, TreatmentSurgeryRTT, TreatmentSurgeryReversal}
	for _, tt := range surgical {
		if !tt.IsSurgical() {
			t.Errorf("expected %s to be surgical", tt)
		}
	}

	nonSurgical := []TreatmentType{TreatmentChemotherapy, TreatmentRadiotherapy, TreatmentImmunotherapy}
	for _, tt := range nonSurgical {
		if tt.IsSurgical() {
			t.Errorf("expected %s to not be surgical", tt)
		}
	}
}

func TestTreatmentType_RequiresParent(t *testing.T) {
	if !TreatmentSurgeryRTT.RequiresParent() {
		t.Error("expected surgery_rtt to require a parent")
	}
	if !TreatmentSurgeryReversal.RequiresParent() {
		t.Error("expected surgery_reversal to require a parent")
	}
	if TreatmentSurgeryPrimary.RequiresParent() {
		t.Error("expected surgery_primary to not require a parent")
	}
	if TreatmentChemotherapy.RequiresParent() {
		t.Error("expected chemotherapy to not require a parent")
	}
}

func TestBundle_TreatmentByID(t *testing.T) {
	a := &Treatment{ID: uuid.New(), Type: TreatmentSurgeryPrimary}
	b := &Treatment{ID: uuid.New(), Type: TreatmentChemotherapy}
	bundle := &Bundle{Treatments: []*Treatment{a, b}}

	if got := bundle.TreatmentByID(a.ID); got != a {
		t.Error("expected to resolve first treatment by id")
	}
	if got := bundle.TreatmentByID(b.ID); got != b {
		t.Error("expected to resolve second treatment by id")
	}
	if got := bundle.TreatmentByID(uuid.New()); got != nil {
		t.Error("expected nil for unknown treatment id")
	}
}
