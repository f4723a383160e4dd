package cachedir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bitset"

	"mediagateway/internal/domain"
)

type metadataDoc struct {
	ContentType    string    `json:"contentType"`
	Size           int64     `json:"size"`
	NumberOfChunks int       `json:"numberOfChunks"`
	Bitmap         bitmapDoc `json:"bitmap"`
}

// bitmapDoc stores bit i in Bytes[i/8] at position i%8.
type bitmapDoc struct {
	Size  int    `json:"size"`
	Bytes []byte `json:"bytes"`
}

func toDoc(m domain.ClipMetadata) metadataDoc {
	return metadataDoc{
		ContentType:    m.ContentType,
		Size:           m.Size,
		NumberOfChunks: m.NumberOfChunks,
		Bitmap:         packBitmap(m.Bitmap, m.NumberOfChunks),
	}
}

func fromDoc(doc metadataDoc) (domain.ClipMetadata, error) {
	bits, err := unpackBitmap(doc.Bitmap)
	if err != nil {
		return domain.ClipMetadata{}, err
	}
	m := domain.ClipMetadata{
		ContentType:    doc.ContentType,
		Size:           doc.Size,
		NumberOfChunks: doc.NumberOfChunks,
		Bitmap:         bits,
	}
	if err := m.Validate(); err != nil {
		return domain.ClipMetadata{}, err
	}
	return m, nil
}

func packBitmap(b *bitset.BitSet, n int) bitmapDoc {
	out := make([]byte, (n+7)/8)
	if b != nil {
		for i, ok := b.NextSet(0); ok && int(i) < n; i, ok = b.NextSet(i + 1) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return bitmapDoc{Size: n, Bytes: out}
}

func unpackBitmap(doc bitmapDoc) (*bitset.BitSet, error) {
	if doc.Size < 0 {
		return nil, fmt.Errorf("cachedir: negative bitmap size %d", doc.Size)
	}
	if len(doc.Bytes) < (doc.Size+7)/8 {
		return nil, fmt.Errorf("cachedir: bitmap has %d bytes for %d bits", len(doc.Bytes), doc.Size)
	}
	b := bitset.New(uint(doc.Size))
	for i := 0; i < doc.Size; i++ {
		if doc.Bytes[i/8]&(1<<(i%8)) != 0 {
			b.Set(uint(i))
		}
	}
	return b, nil
}

// WriteMetadata persists m, replacing any previous metadata atomically.
func (d *Directory) WriteMetadata(id domain.ClipID, m domain.ClipMetadata) error {
	data, err := json.Marshal(toDoc(m))
	if err != nil {
		return fmt.Errorf("cachedir: encode metadata: %w", err)
	}
	name := metadataName(id)
	unlock := d.locks.lock(name)
	defer unlock()

	tmp, err := os.CreateTemp(d.root, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("cachedir: create metadata: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cachedir: write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cachedir: write metadata: %w", err)
	}
	if err := os.Rename(tmpPath, d.path(name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cachedir: replace metadata: %w", err)
	}
	return nil
}

// LoadMetadata returns the persisted metadata of a clip. The bool is false
// when nothing has been persisted yet.
func (d *Directory) LoadMetadata(id domain.ClipID) (domain.ClipMetadata, bool, error) {
	name := metadataName(id)
	unlock := d.locks.rlock(name)
	data, err := os.ReadFile(d.path(name))
	unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.ClipMetadata{}, false, nil
		}
		return domain.ClipMetadata{}, false, fmt.Errorf("cachedir: read metadata: %w", err)
	}

	var doc metadataDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.ClipMetadata{}, false, fmt.Errorf("cachedir: decode metadata: %w", err)
	}
	m, err := fromDoc(doc)
	if err != nil {
		return domain.ClipMetadata{}, false, err
	}
	return m, true, nil
}
