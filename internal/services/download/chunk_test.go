package download

import (
	"testing"
	"time"

	"mediagateway/internal/domain"
)

func TestChunkAt(t *testing.T) {
	tests := []struct {
		name      string
		index     int
		chunkSize int64
		size      int64
		want      ClipChunk
	}{
		{name: "first", index: 0, chunkSize: 5_000_000, size: 12_000_000, want: ClipChunk{0, 0, 4_999_999}},
		{name: "middle", index: 1, chunkSize: 5_000_000, size: 12_000_000, want: ClipChunk{1, 5_000_000, 9_999_999}},
		{name: "short last", index: 2, chunkSize: 5_000_000, size: 12_000_000, want: ClipChunk{2, 10_000_000, 11_999_999}},
		{name: "exact last", index: 1, chunkSize: 5, size: 10, want: ClipChunk{1, 5, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChunkAt(tt.index, tt.chunkSize, tt.size)
			if got != tt.want {
				t.Fatalf("ChunkAt = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestChunksCoverClipExactly(t *testing.T) {
	for _, size := range []int64{1, 4, 5, 6, 12_000_000, 123_456_789} {
		for _, chunkSize := range []int64{1, 5, 5_000_000} {
			n := domain.ChunkCount(size, chunkSize)
			var next int64
			for i := 0; i < n; i++ {
				c := ChunkAt(i, chunkSize, size)
				if c.FirstByte != next || c.Len() <= 0 || c.Len() > chunkSize {
					t.Fatalf("size=%d chunk=%d: chunk %d = %+v", size, chunkSize, i, c)
				}
				next = c.LastByte + 1
			}
			if next != size {
				t.Fatalf("size=%d chunk=%d: chunks end at %d", size, chunkSize, next)
			}
		}
	}
}

func TestChunkTimeout(t *testing.T) {
	cfg := Config{MinThroughputBytesPerSec: 100_000, MinChunkTimeout: 10 * time.Second}.withDefaults()
	if got := cfg.chunkTimeout(5_000_000); got != 50*time.Second {
		t.Fatalf("large chunk timeout = %s, want 50s", got)
	}
	if got := cfg.chunkTimeout(1000); got != 10*time.Second {
		t.Fatalf("small chunk timeout = %s, want floor 10s", got)
	}
}
