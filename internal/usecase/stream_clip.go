package usecase

import (
	"context"
	"errors"
	"fmt"

	"mediagateway/internal/domain"
	"mediagateway/internal/domain/ports"
	"mediagateway/internal/services/download"
)

// ClipStreamer opens byte streams over cached clips.
type ClipStreamer interface {
	OpenStream(ctx context.Context, clip domain.Clip, br domain.ByteRange) (download.OpenedStream, error)
}

// StreamClip resolves a clip id through the catalog and opens a stream over
// the requested byte range.
type StreamClip struct {
	Repo     ports.ClipRepository
	Streamer ClipStreamer
}

func (uc StreamClip) Execute(ctx context.Context, id domain.ClipID, br domain.ByteRange) (download.OpenedStream, error) {
	if uc.Repo == nil || uc.Streamer == nil {
		return download.OpenedStream{}, errors.New("stream clip not configured")
	}
	clip, err := uc.Repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return download.OpenedStream{}, err
		}
		return download.OpenedStream{}, wrapRepo(err)
	}
	if err := clip.Validate(); err != nil {
		return download.OpenedStream{}, fmt.Errorf("%w: %s: %v", ErrInvalidClip, id, err)
	}
	return uc.Streamer.OpenStream(ctx, clip, br)
}
