package download

// ClipChunk is the inclusive byte range [FirstByte, LastByte] of chunk Index.
type ClipChunk struct {
	Index     int
	FirstByte int64
	LastByte  int64
}

// ChunkAt derives chunk index of a clip of the given size. The last chunk is
// shorter when size is not a multiple of chunkSize.
func ChunkAt(index int, chunkSize, size int64) ClipChunk {
	first := int64(index) * chunkSize
	last := first + chunkSize - 1
	if last > size-1 {
		last = size - 1
	}
	return ClipChunk{Index: index, FirstByte: first, LastByte: last}
}

func (c ClipChunk) Len() int64 {
	return c.LastByte - c.FirstByte + 1
}

func chunkIndexOf(pos, chunkSize int64) int {
	return int(pos / chunkSize)
}
