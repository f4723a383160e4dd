package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mediagateway/internal/domain"
	"mediagateway/internal/domain/ports"
)

const (
	clipKeyPrefix   = "gateway:clip:"
	defaultCacheTTL = 6 * time.Hour
)

// ClipRepository caches single clip lookups from an inner repository in
// Redis. Redis failures are logged and fall through to the inner repository.
type ClipRepository struct {
	inner  ports.ClipRepository
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewClipRepository(inner ports.ClipRepository, client *redis.Client, ttl time.Duration, logger *slog.Logger) *ClipRepository {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClipRepository{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (r *ClipRepository) Get(ctx context.Context, id domain.ClipID) (domain.Clip, error) {
	if r.client != nil {
		clip, ok, err := r.lookup(ctx, id)
		if err != nil {
			r.logger.Debug("redis clip cache read failed",
				slog.String("clipId", string(id)),
				slog.String("error", err.Error()),
			)
		} else if ok {
			return clip, nil
		}
	}

	clip, err := r.inner.Get(ctx, id)
	if err != nil {
		return domain.Clip{}, err
	}
	r.store(ctx, clip)
	return clip, nil
}

func (r *ClipRepository) GetMany(ctx context.Context, ids []domain.ClipID) ([]domain.Clip, error) {
	if r.client == nil || len(ids) == 0 {
		return r.inner.GetMany(ctx, ids)
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = clipKeyPrefix + string(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		r.logger.Debug("redis clip cache read failed", slog.String("error", err.Error()))
		return r.inner.GetMany(ctx, ids)
	}

	clips := make([]domain.Clip, 0, len(ids))
	var missing []domain.ClipID
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		clip, err := decodeClip([]byte(raw))
		if err != nil {
			missing = append(missing, ids[i])
			continue
		}
		clips = append(clips, clip)
	}
	if len(missing) == 0 {
		return clips, nil
	}

	fetched, err := r.inner.GetMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, clip := range fetched {
		r.store(ctx, clip)
	}
	return append(clips, fetched...), nil
}

// List is not cached; listings change with every catalog import.
func (r *ClipRepository) List(ctx context.Context, filter domain.ClipFilter) ([]domain.Clip, error) {
	return r.inner.List(ctx, filter)
}

// Invalidate drops the cached record of id.
func (r *ClipRepository) Invalidate(ctx context.Context, id domain.ClipID) error {
	if r.client == nil {
		return nil
	}
	return r.client.Del(ctx, clipKeyPrefix+string(id)).Err()
}

func (r *ClipRepository) lookup(ctx context.Context, id domain.ClipID) (domain.Clip, bool, error) {
	data, err := r.client.Get(ctx, clipKeyPrefix+string(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Clip{}, false, nil
		}
		return domain.Clip{}, false, err
	}
	clip, err := decodeClip(data)
	if err != nil {
		return domain.Clip{}, false, err
	}
	return clip, true, nil
}

func (r *ClipRepository) store(ctx context.Context, clip domain.Clip) {
	if r.client == nil {
		return
	}
	data, err := json.Marshal(clip)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, clipKeyPrefix+string(clip.ID), data, r.ttl).Err(); err != nil {
		r.logger.Debug("redis clip cache write failed",
			slog.String("clipId", string(clip.ID)),
			slog.String("error", err.Error()),
		)
	}
}

func decodeClip(data []byte) (domain.Clip, error) {
	var clip domain.Clip
	if err := json.Unmarshal(data, &clip); err != nil {
		return domain.Clip{}, err
	}
	if clip.ID == "" {
		return domain.Clip{}, errors.New("cached clip without id")
	}
	return clip, nil
}
