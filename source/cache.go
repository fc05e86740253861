package source

import (
	"errors"
	"io"
)

// FileCache is the in-memory copy of one source. It is filled during the
// first traversal and is read-only once Complete reports true.
type FileCache struct {
	packets  []Packet
	bytes    int
	complete bool
}

func NewFileCache() *FileCache {
	return &FileCache{}
}

// Load reads h to the end into a new complete cache.
func Load(h Handle) (*FileCache, error) {
	c := NewFileCache()
	for {
		p, err := h.Next()
		if errors.Is(err, io.EOF) {
			c.complete = true
			return c, nil
		}
		if err != nil {
			return nil, err
		}
		c.append(p)
	}
}

func (c *FileCache) append(p Packet) {
	c.packets = append(c.packets, p)
	c.bytes += len(p.Data)
}

func (c *FileCache) markComplete() { c.complete = true }

// discard drops a partially filled cache so the source is re-read.
func (c *FileCache) discard() {
	c.packets = nil
	c.bytes = 0
	c.complete = false
}

func (c *FileCache) Complete() bool { return c.complete }

func (c *FileCache) Len() int { return len(c.packets) }

// Bytes is the total captured payload held by the cache.
func (c *FileCache) Bytes() int { return c.bytes }

func (c *FileCache) Packet(i int) Packet { return c.packets[i] }

// Release frees the cached packets.
func (c *FileCache) Release() { c.discard() }
