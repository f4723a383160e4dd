package domain

import (
	"strconv"
	"strings"
)

// ByteRange is the first range of an HTTP Range header. A suffix range
// ("bytes=-N") keeps First at zero and SuffixLength at N until Resolve is
// called with the clip size.
type ByteRange struct {
	First        int64
	Last         int64
	HasLast      bool
	SuffixLength int64
}

// FullRange is what an absent Range header means.
var FullRange = ByteRange{}

// ParseByteRange parses "bytes=<first>-<last>" with either bound optional.
// An empty header yields FullRange. Only the first range of a multi-range
// header is honored.
func ParseByteRange(header string) (ByteRange, error) {
	value := strings.TrimSpace(header)
	if value == "" {
		return FullRange, nil
	}
	if !strings.HasPrefix(strings.ToLower(value), "bytes=") {
		return ByteRange{}, ErrInvalidRange
	}
	rangeSpec := strings.TrimSpace(value[len("bytes="):])
	if i := strings.IndexByte(rangeSpec, ','); i >= 0 {
		rangeSpec = strings.TrimSpace(rangeSpec[:i])
	}

	firstStr, lastStr, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return ByteRange{}, ErrInvalidRange
	}
	firstStr = strings.TrimSpace(firstStr)
	lastStr = strings.TrimSpace(lastStr)

	if firstStr == "" {
		if lastStr == "" {
			return ByteRange{}, ErrInvalidRange
		}
		suffix, err := strconv.ParseInt(lastStr, 10, 64)
		if err != nil || suffix <= 0 {
			return ByteRange{}, ErrInvalidRange
		}
		return ByteRange{SuffixLength: suffix}, nil
	}

	first, err := strconv.ParseInt(firstStr, 10, 64)
	if err != nil || first < 0 {
		return ByteRange{}, ErrInvalidRange
	}
	if lastStr == "" {
		return ByteRange{First: first}, nil
	}
	last, err := strconv.ParseInt(lastStr, 10, 64)
	if err != nil || last < first {
		return ByteRange{}, ErrInvalidRange
	}
	return ByteRange{First: first, Last: last, HasLast: true}, nil
}

// Resolve turns a suffix range into absolute positions and clips Last to the
// final byte of a clip of the given size. First is left untouched so callers
// can reject positions beyond the end themselves.
func (r ByteRange) Resolve(size int64) ByteRange {
	if r.SuffixLength > 0 {
		suffix := r.SuffixLength
		if suffix > size {
			suffix = size
		}
		if suffix == 0 {
			return ByteRange{First: size}
		}
		return ByteRange{First: size - suffix, Last: size - 1, HasLast: true}
	}
	if r.HasLast && r.Last >= size {
		r.Last = size - 1
		if r.Last < r.First {
			r.HasLast = false
		}
	}
	return r
}

// Length returns the number of bytes a bounded range covers, or -1.
func (r ByteRange) Length() int64 {
	if !r.HasLast {
		return -1
	}
	return r.Last - r.First + 1
}

func (r ByteRange) String() string {
	if r.SuffixLength > 0 {
		return "bytes=-" + strconv.FormatInt(r.SuffixLength, 10)
	}
	s := "bytes=" + strconv.FormatInt(r.First, 10) + "-"
	if r.HasLast {
		s += strconv.FormatInt(r.Last, 10)
	}
	return s
}
