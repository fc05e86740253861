package source

import (
	"errors"
	"fmt"
	"io"
)

// Iterator walks every source in order and yields their packets as one
// stream. A pass ends with io.EOF; Reset starts the next one.
//
// When caches is non-nil, caches[i] belongs to source i. The first pass over
// a source fills its cache; once complete, later passes read the cache only.
type Iterator struct {
	reader  Reader
	sources []Source
	caches  []*FileCache

	cur    int
	active stream
}

type stream interface {
	next() (Packet, error)
	finish()
	abandon()
}

func NewIterator(r Reader, sources []Source, caches []*FileCache) *Iterator {
	return &Iterator{reader: r, sources: sources, caches: caches}
}

// Current is the index of the source being read.
func (it *Iterator) Current() int { return it.cur }

func (it *Iterator) Next() (Packet, error) {
	for it.cur < len(it.sources) {
		if it.active == nil {
			s, err := it.open(it.sources[it.cur])
			if err != nil {
				return Packet{}, err
			}
			it.active = s
		}

		p, err := it.active.next()
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, io.EOF) {
			src := it.sources[it.cur]
			it.active.abandon()
			it.active = nil
			return Packet{}, fmt.Errorf("%w: %s: %v", ErrSource, src, err)
		}

		it.active.finish()
		it.active = nil
		it.cur++
	}
	return Packet{}, io.EOF
}

// Reset rewinds to the first packet of the first source. A cache that was
// only partially filled is discarded.
func (it *Iterator) Reset() {
	if it.active != nil {
		it.active.abandon()
		it.active = nil
	}
	it.cur = 0
}

// Close releases any open handle.
func (it *Iterator) Close() {
	it.Reset()
}

func (it *Iterator) cacheFor(i int) *FileCache {
	if it.caches == nil || i >= len(it.caches) {
		return nil
	}
	return it.caches[i]
}

func (it *Iterator) open(src Source) (stream, error) {
	if src.Type == Cached {
		return &cacheStream{c: src.Cache}, nil
	}

	fill := it.cacheFor(src.Index)
	if fill != nil && fill.Complete() {
		return &cacheStream{c: fill}, nil
	}

	h, err := it.reader.Open(src)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSource, src, err)
	}
	if fill != nil {
		fill.discard()
	}
	return &readerStream{h: h, fill: fill}, nil
}

type cacheStream struct {
	c   *FileCache
	pos int
}

func (s *cacheStream) next() (Packet, error) {
	if s.pos >= s.c.Len() {
		return Packet{}, io.EOF
	}
	p := s.c.Packet(s.pos)
	s.pos++
	return p, nil
}

func (s *cacheStream) finish()  {}
func (s *cacheStream) abandon() {}

type readerStream struct {
	h    Handle
	fill *FileCache
}

func (s *readerStream) next() (Packet, error) {
	p, err := s.h.Next()
	if err != nil {
		return Packet{}, err
	}
	if s.fill != nil {
		s.fill.append(p)
	}
	return p, nil
}

func (s *readerStream) finish() {
	_ = s.h.Close()
	if s.fill != nil {
		s.fill.markComplete()
	}
}

func (s *readerStream) abandon() {
	_ = s.h.Close()
	if s.fill != nil {
		s.fill.discard()
	}
}
