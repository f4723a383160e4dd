package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"mediagateway/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClipRepo implements ports.ClipRepository over a map.
type fakeClipRepo struct {
	clips   map[domain.ClipID]domain.Clip
	err     error
	mu      sync.Mutex
	filters []domain.ClipFilter
}

func (r *fakeClipRepo) Get(ctx context.Context, id domain.ClipID) (domain.Clip, error) {
	if r.err != nil {
		return domain.Clip{}, r.err
	}
	clip, ok := r.clips[id]
	if !ok {
		return domain.Clip{}, domain.ErrNotFound
	}
	return clip, nil
}

func (r *fakeClipRepo) GetMany(ctx context.Context, ids []domain.ClipID) ([]domain.Clip, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []domain.Clip
	for _, id := range ids {
		if clip, ok := r.clips[id]; ok {
			out = append(out, clip)
		}
	}
	return out, nil
}

func (r *fakeClipRepo) List(ctx context.Context, filter domain.ClipFilter) ([]domain.Clip, error) {
	r.mu.Lock()
	r.filters = append(r.filters, filter)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []domain.Clip
	for _, clip := range r.clips {
		if filter.Channel == "" || clip.Channel == filter.Channel {
			out = append(out, clip)
		}
	}
	return out, nil
}
