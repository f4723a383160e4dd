package download

import (
	"sync/atomic"
	"time"

	"mediagateway/internal/domain"
)

// Holder tracks the liveness of an active downloader: how many streams are
// open on it and when it was last read from.
type Holder struct {
	downloader  *ClipDownloader
	openStreams atomic.Int64
	lastRead    atomic.Int64 // unix nanos
}

func newHolder(d *ClipDownloader, now time.Time) *Holder {
	h := &Holder{downloader: d}
	h.lastRead.Store(now.UnixNano())
	return h
}

func (h *Holder) Downloader() *ClipDownloader { return h.downloader }

func (h *Holder) OpenStreams() int64 { return h.openStreams.Load() }

func (h *Holder) LastRead() time.Time { return time.Unix(0, h.lastRead.Load()) }

func (h *Holder) touch(now time.Time) { h.lastRead.Store(now.UnixNano()) }

// Idle reports whether no stream is open and nothing was read for at least
// threshold.
func (h *Holder) Idle(now time.Time, threshold time.Duration) bool {
	return h.OpenStreams() == 0 && now.Sub(h.LastRead()) >= threshold
}

func (h *Holder) State() domain.DownloadState {
	state := h.downloader.State()
	state.OpenStreams = h.OpenStreams()
	state.LastReadAt = h.LastRead()
	return state
}
