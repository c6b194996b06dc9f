package episode

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TxFunc runs fn inside a storage transaction carried on the context.
// Mutations that touch more than one row go through it so a partial write
// cannot persist. A nil TxFunc degrades to running fn directly.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Service owns episode record keeping: CRUD on the aggregate, bundle
// assembly, and the reset-to-draft rule. Any edit to clinical source data
// returns the episode to draft so stale derived state can never be exported.
type Service struct {
	episodes   EpisodeRepository
	treatments TreatmentRepository
	tumours    TumourRepository
	vitals     VitalsRepository
	tx         TxFunc
}

func NewService(
	episodes EpisodeRepository,
	treatments TreatmentRepository,
	tumours TumourRepository,
	vitals VitalsRepository,
	tx TxFunc,
) *Service {
	if tx == nil {
		tx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{
		episodes:   episodes,
		treatments: treatments,
		tumours:    tumours,
		vitals:     vitals,
		tx:         tx,
	}
}

var validCancerTypes = map[string]bool{
	"bowel": true, "oesophago-gastric": true, "pancreatic": true, "liver": true,
}

// -- Episode --

func (s *Service) CreateEpisode(ctx context.Context, e *Episode) error {
	if e.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if e.CancerType == "" {
		return fmt.Errorf("cancer_type is required")
	}
	if !validCancerTypes[e.CancerType] {
		return fmt.Errorf("invalid cancer_type: %s", e.CancerType)
	}
	if err := checkPathwayDates(e); err != nil {
		return err
	}
	e.State = StateDraft
	return s.episodes.Create(ctx, e)
}

func (s *Service) GetEpisode(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return s.episodes.GetByID(ctx, id)
}

func (s *Service) UpdateEpisode(ctx context.Context, e *Episode) error {
	if e.CancerType != "" && !validCancerTypes[e.CancerType] {
		return fmt.Errorf("invalid cancer_type: %s", e.CancerType)
	}
	if err := checkPathwayDates(e); err != nil {
		return err
	}
	// Source data changed: derived state is stale.
	e.State = StateDraft
	return s.episodes.Update(ctx, e)
}

// RetireEpisode soft-deletes: the row survives for audit history but leaves
// every listing and can no longer be fetched or exported.
func (s *Service) RetireEpisode(ctx context.Context, id uuid.UUID) error {
	return s.episodes.Retire(ctx, id)
}

func (s *Service) ListEpisodes(ctx context.Context, limit, offset int) ([]*Episode, int, error) {
	return s.episodes.List(ctx, limit, offset)
}

func (s *Service) ListEpisodesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Episode, int, error) {
	return s.episodes.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListEpisodesByState(ctx context.Context, state LifecycleState, limit, offset int) ([]*Episode, int, error) {
	if _, ok := stateRank[state]; !ok {
		return nil, 0, fmt.Errorf("invalid state: %s", state)
	}
	return s.episodes.ListByState(ctx, state, limit, offset)
}

// checkPathwayDates enforces referral -> first seen -> MDT ordering where the
// dates exist. Missing dates are a completeness concern, not an ordering one.
func checkPathwayDates(e *Episode) error {
	if e.ReferralDate != nil && e.FirstSeenDate != nil && e.FirstSeenDate.Before(*e.ReferralDate) {
		return fmt.Errorf("first_seen_date precedes referral_date")
	}
	if e.FirstSeenDate != nil && e.MDTDiscussionDate != nil && e.MDTDiscussionDate.Before(*e.FirstSeenDate) {
		return fmt.Errorf("mdt_discussion_date precedes first_seen_date")
	}
	return nil
}

// -- Treatment --

func (s *Service) AddTreatment(ctx context.Context, t *Treatment) error {
	if t.EpisodeID == uuid.Nil {
		return fmt.Errorf("episode_id is required")
	}
	if !validTreatmentTypes[t.Type] {
		return fmt.Errorf("invalid treatment_type: %s", t.Type)
	}
	if err := checkTreatmentPayload(t); err != nil {
		return err
	}
	if _, err := s.episodes.GetByID(ctx, t.EpisodeID); err != nil {
		return fmt.Errorf("episode %s not found", t.EpisodeID)
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.treatments.Create(ctx, t); err != nil {
			return err
		}
		return s.episodes.UpdateState(ctx, t.EpisodeID, StateDraft)
	})
}

func (s *Service) GetTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return s.treatments.GetByID(ctx, id)
}

func (s *Service) UpdateTreatment(ctx context.Context, t *Treatment) error {
	if !validTreatmentTypes[t.Type] {
		return fmt.Errorf("invalid treatment_type: %s", t.Type)
	}
	if err := checkTreatmentPayload(t); err != nil {
		return err
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.treatments.Update(ctx, t); err != nil {
			return err
		}
		return s.episodes.UpdateState(ctx, t.EpisodeID, StateDraft)
	})
}

func (s *Service) DeleteTreatment(ctx context.Context, id uuid.UUID) error {
	t, err := s.treatments.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.treatments.Delete(ctx, id); err != nil {
			return err
		}
		return s.episodes.UpdateState(ctx, t.EpisodeID, StateDraft)
	})
}

func (s *Service) ListTreatments(ctx context.Context, episodeID uuid.UUID) ([]*Treatment, error) {
	return s.treatments.ListByEpisode(ctx, episodeID)
}

// checkTreatmentPayload enforces the variant rule: surgical treatments carry
// a surgery payload, non-surgical ones must not.
func checkTreatmentPayload(t *Treatment) error {
	if t.Type.IsSurgical() {
		if t.Surgery == nil {
			return fmt.Errorf("%s requires a surgery payload", t.Type)
		}
		if t.Type.RequiresParent() && t.Surgery.ParentTreatmentID == nil {
			return fmt.Errorf("%s requires parent_treatment_id", t.Type)
		}
		if t.Surgery.ASAScore != nil && (*t.Surgery.ASAScore < 1 || *t.Surgery.ASAScore > 5) {
			return fmt.Errorf("asa_score must be within 1-5")
		}
		return nil
	}
	if t.Surgery != nil {
		return fmt.Errorf("%s cannot carry a surgery payload", t.Type)
	}
	return nil
}

// -- Tumour --

func (s *Service) AddTumour(ctx context.Context, t *Tumour) error {
	if t.EpisodeID == uuid.Nil {
		return fmt.Errorf("episode_id is required")
	}
	if err := checkNodeCounts(t); err != nil {
		return err
	}
	if _, err := s.episodes.GetByID(ctx, t.EpisodeID); err != nil {
		return fmt.Errorf("episode %s not found", t.EpisodeID)
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.tumours.Create(ctx, t); err != nil {
			return err
		}
		return s.episodes.UpdateState(ctx, t.EpisodeID, StateDraft)
	})
}

func (s *Service) GetTumour(ctx context.Context, id uuid.UUID) (*Tumour, error) {
	return s.tumours.GetByID(ctx, id)
}

func (s *Service) UpdateTumour(ctx context.Context, t *Tumour) error {
	if err := checkNodeCounts(t); err != nil {
		return err
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.tumours.Update(ctx, t); err != nil {
			return err
		}
		return s.episodes.UpdateState(ctx, t.EpisodeID, StateDraft)
	})
}

func (s *Service) DeleteTumour(ctx context.Context, id uuid.UUID) error {
	t, err := s.tumours.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.tumours.Delete(ctx, id); err != nil {
			return err
		}
		return s.episodes.UpdateState(ctx, t.EpisodeID, StateDraft)
	})
}

func (s *Service) ListTumours(ctx context.Context, episodeID uuid.UUID) ([]*Tumour, error) {
	return s.tumours.ListByEpisode(ctx, episodeID)
}

func checkNodeCounts(t *Tumour) error {
	if t.NodesExamined != nil && *t.NodesExamined < 0 {
		return fmt.Errorf("nodes_examined cannot be negative")
	}
	if t.NodesPositive != nil && *t.NodesPositive < 0 {
		return fmt.Errorf("nodes_positive cannot be negative")
	}
	if t.NodesExamined != nil && t.NodesPositive != nil && *t.NodesPositive > *t.NodesExamined {
		return fmt.Errorf("nodes_positive exceeds nodes_examined")
	}
	return nil
}

// -- Vitals --

func (s *Service) PutVitals(ctx context.Context, v *Vitals) error {
	if v.EpisodeID == uuid.Nil {
		return fmt.Errorf("episode_id is required")
	}
	if v.DeathLocation != nil {
		switch *v.DeathLocation {
		case DeathLocationHospital, DeathLocationCommunity:
		default:
			return fmt.Errorf("invalid death_location: %s", *v.DeathLocation)
		}
	}
	if _, err := s.episodes.GetByID(ctx, v.EpisodeID); err != nil {
		return fmt.Errorf("episode %s not found", v.EpisodeID)
	}
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.vitals.Upsert(ctx, v); err != nil {
			return err
		}
		return s.episodes.UpdateState(ctx, v.EpisodeID, StateDraft)
	})
}

func (s *Service) GetVitals(ctx context.Context, episodeID uuid.UUID) (*Vitals, error) {
	return s.vitals.GetByEpisode(ctx, episodeID)
}

// -- Bundle assembly --

// GetBundle loads the episode with all its owned records. Vitals may be
// absent for episodes still in data entry; everything else missing is an
// error.
func (s *Service) GetBundle(ctx context.Context, episodeID uuid.UUID) (*Bundle, error) {
	e, err := s.episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	treatments, err := s.treatments.ListByEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	tumours, err := s.tumours.ListByEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	b := &Bundle{Episode: e, Treatments: treatments, Tumours: tumours}
	if v, err := s.vitals.GetByEpisode(ctx, episodeID); err == nil {
		b.Vitals = v
	}
	return b, nil
}

// TransitionState applies a lifecycle move after checking legality against
// the current state.
func (s *Service) TransitionState(ctx context.Context, episodeID uuid.UUID, next LifecycleState) error {
	e, err := s.episodes.GetByID(ctx, episodeID)
	if err != nil {
		return err
	}
	if !e.State.CanTransition(next) {
		return fmt.Errorf("cannot transition episode from %s to %s", e.State, next)
	}
	return s.episodes.UpdateState(ctx, episodeID, next)
}
