package replay

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a frozen snapshot of a run's counters.
type Stats struct {
	PktsSent  uint64    `json:"pkts_sent"`
	BytesSent uint64    `json:"bytes_sent"`
	Failed    uint64    `json:"failed"`
	Dropped   uint64    `json:"dropped"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Duration is End-Start, or zero before the run has ended.
func (s Stats) Duration() time.Duration {
	if s.Start.IsZero() || s.End.IsZero() || s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

func (s Stats) PacketsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.PktsSent) / d
}

func (s Stats) BitsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.BytesSent) * 8 / d
}

// counters are written by the replay goroutine only and read from anywhere.
type counters struct {
	sent    atomic.Uint64
	bytes   atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	mu    sync.Mutex
	start time.Time
	end   time.Time
}

func (c *counters) reset(start time.Time) {
	c.sent.Store(0)
	c.bytes.Store(0)
	c.failed.Store(0)
	c.dropped.Store(0)
	c.mu.Lock()
	c.start = start
	c.end = time.Time{}
	c.mu.Unlock()
}

func (c *counters) finish(end time.Time) {
	c.mu.Lock()
	c.end = end
	c.mu.Unlock()
}

func (c *counters) attempts() uint64 { return c.sent.Load() + c.failed.Load() }

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	start, end := c.start, c.end
	c.mu.Unlock()
	return Stats{
		PktsSent:  c.sent.Load(),
		BytesSent: c.bytes.Load(),
		Failed:    c.failed.Load(),
		Dropped:   c.dropped.Load(),
		Start:     start,
		End:       end,
	}
}

func (c *Context) Stats() Stats { return c.stats.snapshot() }
