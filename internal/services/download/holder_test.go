package download

import (
	"bytes"
	"io"
	"testing"
	"time"

	"mediagateway/internal/domain"
)

func TestHolderIdle(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	h := newHolder(nil, start)

	if h.Idle(start.Add(10*time.Second), 30*time.Second) {
		t.Fatal("idle before threshold elapsed")
	}
	if !h.Idle(start.Add(30*time.Second), 30*time.Second) {
		t.Fatal("not idle once threshold elapsed")
	}

	h.openStreams.Add(1)
	if h.Idle(start.Add(time.Hour), 30*time.Second) {
		t.Fatal("holder with an open stream reported idle")
	}
}

func TestHolderStreamTouchesAndClosesOnce(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	now := start
	clock := func() time.Time { return now }

	h := newHolder(nil, start)
	h.openStreams.Add(1)
	s := newHolderStream(bytes.NewReader([]byte("abcdef")), h, clock)

	now = start.Add(5 * time.Second)
	buf := make([]byte, 4)
	if n, err := s.Read(buf); n != 4 || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !h.LastRead().Equal(now) {
		t.Fatalf("LastRead = %v, want %v", h.LastRead(), now)
	}

	now = start.Add(7 * time.Second)
	if _, err := io.ReadAll(s); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	_ = s.Close()
	_ = s.Close()
	if got := h.OpenStreams(); got != 0 {
		t.Fatalf("OpenStreams = %d after double close, want 0", got)
	}
}

func TestOpenedStreamLength(t *testing.T) {
	tests := []struct {
		name string
		s    OpenedStream
		want int64
	}{
		{"to end", OpenedStream{MaxSize: 100, Range: domain.ByteRange{First: 10}}, 90},
		{"bounded", OpenedStream{MaxSize: 100, Range: domain.ByteRange{First: 10, Last: 19, HasLast: true}}, 10},
		{"whole clip", OpenedStream{MaxSize: 100}, 100},
	}
	for _, tt := range tests {
		if got := tt.s.Length(); got != tt.want {
			t.Errorf("%s: Length = %d, want %d", tt.name, got, tt.want)
		}
	}
}
