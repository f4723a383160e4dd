package domain

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// ClipMetadata is the persisted download state of one clip. Bit i of Bitmap
// is set once chunk i has been written to the content file.
type ClipMetadata struct {
	ContentType    string
	Size           int64
	NumberOfChunks int
	Bitmap         *bitset.BitSet
}

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func NewClipMetadata(contentType string, size, chunkSize int64) ClipMetadata {
	n := ChunkCount(size, chunkSize)
	return ClipMetadata{
		ContentType:    contentType,
		Size:           size,
		NumberOfChunks: n,
		Bitmap:         bitset.New(uint(n)),
	}
}

func (m ClipMetadata) Validate() error {
	if m.Size < 0 {
		return fmt.Errorf("clip metadata: negative size %d", m.Size)
	}
	if m.Bitmap == nil {
		return fmt.Errorf("clip metadata: missing bitmap")
	}
	if int(m.Bitmap.Len()) != m.NumberOfChunks {
		return fmt.Errorf("clip metadata: bitmap length %d != numberOfChunks %d", m.Bitmap.Len(), m.NumberOfChunks)
	}
	return nil
}

func (m ClipMetadata) IsComplete(index int) bool {
	if index < 0 || index >= m.NumberOfChunks {
		return false
	}
	return m.Bitmap.Test(uint(index))
}

// MarkComplete sets the chunk bit. Out of range indexes are ignored so the
// bitmap never grows past NumberOfChunks.
func (m ClipMetadata) MarkComplete(index int) {
	if index < 0 || index >= m.NumberOfChunks {
		return
	}
	m.Bitmap.Set(uint(index))
}

func (m ClipMetadata) Reset() {
	m.Bitmap.ClearAll()
}

func (m ClipMetadata) CompletedCount() int {
	return int(m.Bitmap.Count())
}

func (m ClipMetadata) IsFullyDownloaded() bool {
	return m.CompletedCount() == m.NumberOfChunks
}

func (m ClipMetadata) Clone() ClipMetadata {
	c := m
	c.Bitmap = m.Bitmap.Clone()
	return c
}

func (m ClipMetadata) Equal(o ClipMetadata) bool {
	if m.ContentType != o.ContentType || m.Size != o.Size || m.NumberOfChunks != o.NumberOfChunks {
		return false
	}
	if m.Bitmap == nil || o.Bitmap == nil {
		return m.Bitmap == o.Bitmap
	}
	return m.Bitmap.Equal(o.Bitmap)
}
