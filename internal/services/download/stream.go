package download

import (
	"io"
	"sync"
	"time"

	"mediagateway/internal/domain"
	"mediagateway/internal/metrics"
)

// OpenedStream is handed to callers of Manager.OpenStream. Stream yields the
// bytes of Range; closing it releases the clip for idle reclamation.
type OpenedStream struct {
	ContentType string
	// MaxSize is the total size of the clip.
	MaxSize int64
	// Range is the resolved range Stream covers. Range.HasLast is false when
	// the stream runs to the end of the clip.
	Range  domain.ByteRange
	Stream io.ReadCloser
}

// Length is the number of bytes Stream yields.
func (s OpenedStream) Length() int64 {
	if s.Range.HasLast {
		return s.Range.Length()
	}
	return s.MaxSize - s.Range.First
}

type holderStream struct {
	r      io.Reader
	holder *Holder
	now    func() time.Time
	once   sync.Once
}

func newHolderStream(r io.Reader, h *Holder, now func() time.Time) *holderStream {
	metrics.OpenStreams.Inc()
	return &holderStream{r: r, holder: h, now: now}
}

func (s *holderStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.holder.touch(s.now())
	}
	return n, err
}

func (s *holderStream) Close() error {
	s.once.Do(func() {
		s.holder.touch(s.now())
		s.holder.openStreams.Add(-1)
		metrics.OpenStreams.Dec()
	})
	return nil
}
