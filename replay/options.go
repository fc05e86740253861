package replay

import (
	"fmt"
	"math"

	"github.com/daniellavrushin/pktreplay/log"
	"github.com/daniellavrushin/pktreplay/routecache"
	"github.com/daniellavrushin/pktreplay/source"
	"github.com/daniellavrushin/pktreplay/timing"
)

// MaxMTU is the largest frame size SetMTU accepts.
const MaxMTU = 65535

// Interface selects which configured interface(s) a run may send on.
type Interface int

const (
	Both Interface = iota
	Primary
	Secondary
)

func (i Interface) String() string {
	switch i {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return "both"
	}
}

// Options is the configuration of a context. Loop 0 replays forever and is
// only bounded by LimitSend or an external abort.
type Options struct {
	Intf1        string
	Intf2        string
	Speed        timing.SpeedPolicy
	Loop         uint32
	SleepAccel   float64
	MTU          int
	MTUTrunc     bool
	// UsePktHdrLen sends every packet at its original wire length, zero
	// filling what the capture did not record. Truncation applies after.
	UsePktHdrLen bool
	Accurate     timing.Accuracy
	LimitSend    uint64
	MaxFailures  uint64
	FileCache    bool
	Preload      bool
	Sources      []source.Source
	RouteCache   *routecache.Cache
}

func defaultOptions() Options {
	return Options{
		Speed:      timing.DefaultPolicy(),
		Loop:       1,
		SleepAccel: 1.0,
		Accurate:   timing.CoarseWait,
	}
}

// Options returns a copy of the current configuration.
func (c *Context) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.opts
	o.Sources = c.sources.All()
	return o
}

// configure runs fn with the lock held, refusing while a run is active.
// A returned error is recorded as the last error.
func (c *Context) configure(op string, fn func() error) error {
	c.mu.Lock()
	if c.State().Active() {
		c.mu.Unlock()
		return c.stateErr("change " + op)
	}
	err := fn()
	c.mu.Unlock()
	if err != nil {
		c.msgs.setErr(err)
		log.Debugf("%s: %v", op, err)
	}
	return err
}

func configErr(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, a...)...)
}

// SetInterface opens name through the context's opener and makes it the
// primary or secondary interface. An empty name closes the slot.
func (c *Context) SetInterface(which Interface, name string) error {
	return c.configure("interface", func() error {
		var slot *Transmitter
		var other string
		switch which {
		case Primary:
			slot, other = &c.intf1, c.opts.Intf2
		case Secondary:
			slot, other = &c.intf2, c.opts.Intf1
		default:
			return configErr("interface slot must be primary or secondary")
		}
		if name != "" && name == other {
			return configErr("primary and secondary interface are both %s", name)
		}

		var tx Transmitter
		if name != "" {
			var err error
			if tx, err = c.opener(name); err != nil {
				return configErr("open %s: %v", name, err)
			}
		}
		if *slot != nil {
			_ = (*slot).Close()
		}
		*slot = tx
		if which == Primary {
			c.opts.Intf1 = name
		} else {
			c.opts.Intf2 = name
		}
		return nil
	})
}

func (c *Context) SetSpeedMode(m timing.SpeedMode) error {
	return c.configure("speed mode", func() error {
		p := c.opts.Speed
		p.Mode = m
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		c.opts.Speed = p
		return nil
	})
}

func (c *Context) SetSpeed(v float64) error {
	return c.configure("speed", func() error {
		if !(v > 0) || math.IsInf(v, 0) {
			return configErr("speed must be a positive number, got %v", v)
		}
		c.opts.Speed.Speed = v
		return nil
	})
}

func (c *Context) SetPPSMulti(n int) error {
	return c.configure("pps multi", func() error {
		if n < 1 {
			return configErr("pps multi must be at least 1, got %d", n)
		}
		c.opts.Speed.PPSMulti = n
		return nil
	})
}

func (c *Context) SetLoop(n uint32) error {
	return c.configure("loop", func() error {
		c.opts.Loop = n
		return nil
	})
}

func (c *Context) SetSleepAccel(f float64) error {
	return c.configure("sleep accel", func() error {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return configErr("sleep accel must be a finite value >= 0, got %v", f)
		}
		c.opts.SleepAccel = f
		return nil
	})
}

// SetMTU sets the truncation size. 0 uses the interface MTU.
func (c *Context) SetMTU(n int) error {
	return c.configure("mtu", func() error {
		if n < 0 || n > MaxMTU {
			return configErr("mtu must be between 0 and %d, got %d", MaxMTU, n)
		}
		c.opts.MTU = n
		return nil
	})
}

func (c *Context) SetMTUTrunc(on bool) error {
	return c.configure("mtu trunc", func() error {
		c.opts.MTUTrunc = on
		return nil
	})
}

func (c *Context) SetUsePktHdrLen(on bool) error {
	return c.configure("pkthdr len", func() error {
		c.opts.UsePktHdrLen = on
		return nil
	})
}

func (c *Context) SetAccurate(a timing.Accuracy) error {
	return c.configure("accuracy", func() error {
		if _, err := timing.Lookup(a); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		c.opts.Accurate = a
		return nil
	})
}

// SetLimitSend stops the run after n send attempts. 0 means no limit.
func (c *Context) SetLimitSend(n uint64) error {
	return c.configure("limit send", func() error {
		c.opts.LimitSend = n
		return nil
	})
}

// SetMaxFailures aborts the run once n sends have failed. 0 never aborts.
func (c *Context) SetMaxFailures(n uint64) error {
	return c.configure("max failures", func() error {
		c.opts.MaxFailures = n
		return nil
	})
}

// SetFileCache keeps every source in memory after its first full read.
// Turning it off frees the caches.
func (c *Context) SetFileCache(on bool) error {
	return c.configure("file cache", func() error {
		if !on && c.opts.Preload {
			return configErr("preload requires the file cache")
		}
		if on != c.opts.FileCache {
			c.releaseCaches()
		}
		c.opts.FileCache = on
		return nil
	})
}

func (c *Context) SetPreload(on bool) error {
	return c.configure("preload", func() error {
		if on && !c.opts.FileCache {
			return configErr("preload requires the file cache")
		}
		c.opts.Preload = on
		return nil
	})
}

// SetRouteCache attaches per-packet routing decisions; nil sends everything
// to the primary interface.
func (c *Context) SetRouteCache(rc *routecache.Cache) error {
	return c.configure("route cache", func() error {
		c.opts.RouteCache = rc
		return nil
	})
}

func (c *Context) SetManualCallback(cb ManualCallback) error {
	return c.configure("manual callback", func() error {
		c.manual = cb
		return nil
	})
}

func (c *Context) SetObserver(o Observer) error {
	return c.configure("observer", func() error {
		c.observer.Store(&observerBox{o})
		return nil
	})
}

// SetOpener replaces the function used by SetInterface to open interfaces.
func (c *Context) SetOpener(o Opener) error {
	return c.configure("opener", func() error {
		if o == nil {
			return configErr("nil opener")
		}
		c.opener = o
		return nil
	})
}

func (c *Context) SetReader(r source.Reader) error {
	return c.configure("reader", func() error {
		if r == nil {
			return configErr("nil reader")
		}
		c.reader = r
		c.it = nil
		return nil
	})
}

func (c *Context) AddSourceFile(path string) (int, error) {
	return c.addSource(source.Source{Type: source.Filename, Filename: path})
}

func (c *Context) AddSourceFD(fd uintptr) (int, error) {
	return c.addSource(source.Source{Type: source.Descriptor, FD: fd})
}

// AddSourceCache adds a fully populated in-memory cache as a source.
func (c *Context) AddSourceCache(fc *source.FileCache) (int, error) {
	return c.addSource(source.Source{Type: source.Cached, Cache: fc})
}

func (c *Context) addSource(src source.Source) (int, error) {
	idx := -1
	err := c.configure("sources", func() error {
		i, err := c.sources.Add(src)
		if err != nil {
			return err
		}
		idx = i
		c.it = nil
		return nil
	})
	return idx, err
}

func (c *Context) SourceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sources.Len()
}

// CurrentSource is the index of the source being replayed.
func (c *Context) CurrentSource() int { return int(c.curSource.Load()) }
