package usecase

import (
	"context"
	"errors"
	"strings"

	"mediagateway/internal/domain"
	"mediagateway/internal/domain/ports"
)

const (
	defaultClipListLimit = 50
	maxClipListLimit     = 500
)

type GetClip struct {
	Repo ports.ClipRepository
}

func (uc GetClip) Execute(ctx context.Context, id domain.ClipID) (domain.Clip, error) {
	if strings.TrimSpace(string(id)) == "" {
		return domain.Clip{}, domain.ErrNotFound
	}
	clip, err := uc.Repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Clip{}, err
		}
		return domain.Clip{}, wrapRepo(err)
	}
	return clip, nil
}

type ListClips struct {
	Repo ports.ClipRepository
}

func (uc ListClips) Execute(ctx context.Context, filter domain.ClipFilter) ([]domain.Clip, error) {
	clips, err := uc.Repo.List(ctx, normalizeClipFilter(filter))
	if err != nil {
		return nil, wrapRepo(err)
	}
	return clips, nil
}

func normalizeClipFilter(f domain.ClipFilter) domain.ClipFilter {
	f.Channel = strings.TrimSpace(f.Channel)
	f.Show = strings.TrimSpace(f.Show)
	f.Search = strings.TrimSpace(f.Search)
	if f.SortOrder != domain.SortAsc {
		f.SortOrder = domain.SortDesc
	}
	if f.Limit <= 0 {
		f.Limit = defaultClipListLimit
	}
	if f.Limit > maxClipListLimit {
		f.Limit = maxClipListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
