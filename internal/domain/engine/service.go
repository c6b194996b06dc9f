package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oncaudit/oncaudit/internal/domain/episode"
	"github.com/oncaudit/oncaudit/internal/domain/export"
)

// Service drives episodes through the pipeline: it assembles bundles, runs
// the engine, advances lifecycle state and persists released artifacts.
type Service struct {
	engine         *Engine
	episodes       *episode.Service
	episodeRepo    episode.EpisodeRepository
	exports        episode.ExportRepository
	defaultVersion export.SchemaVersion
	tx             episode.TxFunc
	log            zerolog.Logger
}

func NewService(
	eng *Engine,
	episodes *episode.Service,
	episodeRepo episode.EpisodeRepository,
	exports episode.ExportRepository,
	defaultVersion export.SchemaVersion,
	tx episode.TxFunc,
	log zerolog.Logger,
) *Service {
	if tx == nil {
		tx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{
		engine:         eng,
		episodes:       episodes,
		episodeRepo:    episodeRepo,
		exports:        exports,
		defaultVersion: defaultVersion,
		tx:             tx,
		log:            log,
	}
}

// Annotate recomputes the derived layer for one episode and advances it to
// annotated. Annotation never fails on bad clinical data; data problems come
// back as issues inside the annotation.
func (s *Service) Annotate(ctx context.Context, episodeID uuid.UUID) (*Annotation, error) {
	b, err := s.episodes.GetBundle(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if !b.Episode.State.CanTransition(episode.StateAnnotated) {
		return nil, fmt.Errorf("cannot annotate episode in state %s", b.Episode.State)
	}
	ann, err := s.engine.Annotate(b)
	if err != nil {
		return nil, err
	}
	if err := s.episodeRepo.UpdateState(ctx, episodeID, episode.StateAnnotated); err != nil {
		return nil, err
	}
	s.log.Info().Str("episode_id", episodeID.String()).
		Int("issues", len(ann.Issues)).Msg("episode annotated")
	return ann, nil
}

// Validate runs the structural and completeness checks. The episode advances
// to validated only when the completeness verdict passes and no structural
// errors remain; otherwise it stays where it was and the result says why.
func (s *Service) Validate(ctx context.Context, episodeID uuid.UUID) (*ValidationResult, error) {
	b, err := s.episodes.GetBundle(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if !b.Episode.State.CanTransition(episode.StateValidated) {
		return nil, fmt.Errorf("cannot validate episode in state %s", b.Episode.State)
	}
	vr, err := s.engine.Validate(b)
	if err != nil {
		return nil, err
	}
	if vr.Report.Verdict == "pass" && !vr.Issues.HasErrors() {
		if err := s.episodeRepo.UpdateState(ctx, episodeID, episode.StateValidated); err != nil {
			return nil, err
		}
	}
	s.log.Info().Str("episode_id", episodeID.String()).
		Str("verdict", vr.Report.Verdict).
		Float64("completeness_pct", vr.Report.CompletenessPct).
		Msg("episode validated")
	return vr, nil
}

// Export releases the canonical artifact for a validated episode and stores
// it. A refused export returns ErrExportRefused alongside the report; the
// episode state is untouched so the gaps can be fixed and the pipeline rerun.
func (s *Service) Export(ctx context.Context, episodeID uuid.UUID, version export.SchemaVersion) (*ExportResult, error) {
	if version == "" {
		version = s.defaultVersion
	}
	b, err := s.episodes.GetBundle(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if !b.Episode.State.CanTransition(episode.StateExported) {
		return nil, fmt.Errorf("cannot export episode in state %s", b.Episode.State)
	}
	res, err := s.engine.Export(b, version)
	if err != nil {
		if errors.Is(err, ErrExportRefused) {
			s.log.Warn().Str("episode_id", episodeID.String()).
				Float64("completeness_pct", res.Report.CompletenessPct).
				Msg("export refused")
			return res, err
		}
		return nil, err
	}
	rec := &episode.ExportRecord{
		EpisodeID:     episodeID,
		SchemaVersion: string(version),
		Artifact:      res.Artifact,
	}
	// The artifact row and the state move must land together: an exported
	// state without its artifact (or the reverse) would corrupt the audit
	// trail.
	if err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.exports.Create(ctx, rec); err != nil {
			return err
		}
		return s.episodeRepo.UpdateState(ctx, episodeID, episode.StateExported)
	}); err != nil {
		return nil, err
	}
	s.log.Info().Str("episode_id", episodeID.String()).
		Str("schema_version", string(version)).
		Int("artifact_bytes", len(res.Artifact)).
		Msg("episode exported")
	return res, nil
}

// ListExports returns the stored artifacts for one episode, newest first.
func (s *Service) ListExports(ctx context.Context, episodeID uuid.UUID) ([]*episode.ExportRecord, error) {
	return s.exports.ListByEpisode(ctx, episodeID)
}

// RecomputeByState re-annotates every episode currently in the given state,
// page by page, with the engine's bounded worker pool. Used after a staging
// or rule table update to refresh the whole cohort.
func (s *Service) RecomputeByState(ctx context.Context, state episode.LifecycleState) (int, error) {
	const pageSize = 200
	recomputed := 0
	for offset := 0; ; offset += pageSize {
		episodes, _, err := s.episodeRepo.ListByState(ctx, state, pageSize, offset)
		if err != nil {
			return recomputed, err
		}
		if len(episodes) == 0 {
			return recomputed, nil
		}
		bundles := make([]*episode.Bundle, 0, len(episodes))
		for _, e := range episodes {
			b, err := s.episodes.GetBundle(ctx, e.ID)
			if err != nil {
				return recomputed, err
			}
			bundles = append(bundles, b)
		}
		if _, err := s.engine.RecomputeBatch(ctx, bundles); err != nil {
			return recomputed, err
		}
		recomputed += len(bundles)
		s.log.Info().Int("recomputed", recomputed).Str("state", string(state)).Msg("recompute progress")
	}
}
