package ports

import (
	"context"

	"mediagateway/internal/domain"
)

// ClipRepository is the read side of the clip catalog. Ingestion lives in a
// separate importer and is not part of this service.
type ClipRepository interface {
	Get(ctx context.Context, id domain.ClipID) (domain.Clip, error)
	GetMany(ctx context.Context, ids []domain.ClipID) ([]domain.Clip, error)
	List(ctx context.Context, filter domain.ClipFilter) ([]domain.Clip, error)
}
