package episode

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EpisodeRepository interface {
	Create(ctx context.Context, e *Episode) error
	GetByID(ctx context.Context, id uuid.UUID) (*Episode, error)
	Update(ctx context.Context, e *Episode) error
	UpdateState(ctx context.Context, id uuid.UUID, state LifecycleState) error
	Retire(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Episode, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Episode, int, error)
	ListByState(ctx context.Context, state LifecycleState, limit, offset int) ([]*Episode, int, error)
}

type TreatmentRepository interface {
	Create(ctx context.Context, t *Treatment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error)
	Update(ctx context.Context, t *Treatment) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*Treatment, error)
}

type TumourRepository interface {
	Create(ctx context.Context, t *Tumour) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tumour, error)
	Update(ctx context.Context, t *Tumour) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*Tumour, error)
}

type VitalsRepository interface {
	Upsert(ctx context.Context, v *Vitals) error
	GetByEpisode(ctx context.Context, episodeID uuid.UUID) (*Vitals, error)
}

// ExportRecord is one released artifact. Artifacts are immutable once
// written; a re-export inserts a new row.
type ExportRecord struct {
	ID            uuid.UUID `db:"id" json:"id"`
	EpisodeID     uuid.UUID `db:"episode_id" json:"episode_id"`
	SchemaVersion string    `db:"schema_version" json:"schema_version"`
	Artifact      []byte    `db:"artifact" json:"artifact"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

type ExportRepository interface {
	Create(ctx context.Context, r *ExportRecord) error
	ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]*ExportRecord, error)
}
