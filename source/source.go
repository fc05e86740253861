// Package source turns an ordered list of capture files, open descriptors and
// prebuilt in-memory caches into a single stream of packets.
package source

import (
	"errors"
	"fmt"
	"time"
)

// MaxSources bounds the number of sources a single replay may carry.
const MaxSources = 1024

var (
	ErrSource         = errors.New("packet source error")
	ErrTooManySources = errors.New("too many sources")
)

type SourceType int

const (
	Filename SourceType = iota + 1
	Descriptor
	Cached
)

func (t SourceType) String() string {
	switch t {
	case Filename:
		return "file"
	case Descriptor:
		return "fd"
	case Cached:
		return "cache"
	default:
		return fmt.Sprintf("SourceType(%d)", int(t))
	}
}

// Packet is one captured record: the original capture timestamp, the
// captured bytes and the original on-wire length.
type Packet struct {
	Timestamp time.Time
	Data      []byte
	Length    int
}

// Source is one entry of the replay source list. Index is its position in
// that list.
type Source struct {
	Type     SourceType
	Index    int
	Filename string
	FD       uintptr
	Cache    *FileCache
}

func (s Source) String() string {
	switch s.Type {
	case Filename:
		return s.Filename
	case Descriptor:
		return fmt.Sprintf("fd:%d", s.FD)
	case Cached:
		return fmt.Sprintf("cache:%d", s.Index)
	default:
		return "unknown"
	}
}

// Sources is a bounded ordered collection of Source values.
type Sources struct {
	list []Source
}

// Add appends src, assigns its index and returns it.
func (s *Sources) Add(src Source) (int, error) {
	if len(s.list) >= MaxSources {
		return -1, fmt.Errorf("%w: limit is %d", ErrTooManySources, MaxSources)
	}
	switch src.Type {
	case Filename:
		if src.Filename == "" {
			return -1, fmt.Errorf("%w: empty filename", ErrSource)
		}
	case Descriptor:
	case Cached:
		if src.Cache == nil || !src.Cache.Complete() {
			return -1, fmt.Errorf("%w: cache source must be fully populated", ErrSource)
		}
	default:
		return -1, fmt.Errorf("%w: unknown source type %d", ErrSource, int(src.Type))
	}
	src.Index = len(s.list)
	s.list = append(s.list, src)
	return src.Index, nil
}

func (s *Sources) Len() int { return len(s.list) }

func (s *Sources) At(i int) Source { return s.list[i] }

// All returns a copy of the list.
func (s *Sources) All() []Source {
	out := make([]Source, len(s.list))
	copy(out, s.list)
	return out
}
