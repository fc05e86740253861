// Package replay sends previously captured packets out of one or two
// interfaces, reproducing or reshaping the capture's timing.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daniellavrushin/pktreplay/log"
	"github.com/daniellavrushin/pktreplay/routecache"
	"github.com/daniellavrushin/pktreplay/sock"
	"github.com/daniellavrushin/pktreplay/source"
	"github.com/daniellavrushin/pktreplay/timing"
	"github.com/google/uuid"
)

// Transmitter sends complete frames on one interface, in call order.
type Transmitter interface {
	Name() string
	MTU() int
	Send(frame []byte) (int, error)
	Close() error
}

type Opener func(name string) (Transmitter, error)

// ManualCallback is consulted in one-at-a-time mode whenever the auto-send
// budget is used up. It receives the interface and the 1-based packet number
// about to be sent and returns how many packets to send before asking again;
// 0 sends the rest of the run without asking. It runs on the replay
// goroutine and may call Abort, which takes effect before the next send.
type ManualCallback func(c *Context, iface string, packet uint64) uint32

// Observer follows a run. Calls come from the replay goroutine except
// StateChanged, which also fires from Suspend and Resume callers.
type Observer interface {
	PacketSent(iface string, bytes int)
	PacketFailed(iface string, err error)
	StateChanged(from, to State)
}

type observerBox struct{ Observer }

var (
	errAborted = errors.New("aborted")
	errLimit   = errors.New("send limit reached")
)

// Context owns one replay configuration and at most one run at a time.
type Context struct {
	mu      sync.Mutex
	opts    Options
	sources source.Sources
	intf1   Transmitter
	intf2   Transmitter
	opener  Opener
	reader  source.Reader
	manual  ManualCallback
	caches  []*source.FileCache
	it      *source.Iterator
	cancel  context.CancelFunc
	runID   string
	only    Interface

	observer  atomic.Pointer[observerBox]
	state     atomic.Int32
	abortReq  atomic.Bool
	wake      chan struct{}
	curSource atomic.Int64

	stats counters
	msgs  messages

	// wait replaces the paced accuracy waiter when set.
	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

func New() *Context {
	return &Context{
		opts:   defaultOptions(),
		opener: openSocket,
		reader: source.NewPcapReader(),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

func openSocket(name string) (Transmitter, error) {
	s, err := sock.Open(name)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Context) observerRef() Observer {
	if b := c.observer.Load(); b != nil {
		return b.Observer
	}
	return nil
}

// Err is the most recent error message.
func (c *Context) Err() string {
	e, _ := c.msgs.get()
	return e
}

// Warn is the most recent warning, usually a failed send.
func (c *Context) Warn() string {
	_, w := c.msgs.get()
	return w
}

// RunID identifies the current or last run.
func (c *Context) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Replay runs the configured sources to completion and blocks until the run
// stops or is aborted. only restricts the run to one interface; packets
// routed to the other one are counted as dropped. Cancelling ctx aborts the
// run and Replay returns ctx's error.
//
// Replay starts only from Idle. Once a run has stopped or aborted, further
// runs go through Restart; Replay then returns a StateError.
func (c *Context) Replay(ctx context.Context, only Interface) error {
	return c.start(ctx, "start replay", only, Idle)
}

// Restart runs again from the first packet of the first source with fresh
// stats. Complete file caches are reused.
func (c *Context) Restart(ctx context.Context) error {
	c.mu.Lock()
	only := c.only
	c.mu.Unlock()
	return c.start(ctx, "restart", only, Stopped, Aborted)
}

func (c *Context) start(ctx context.Context, op string, only Interface, from ...State) error {
	c.mu.Lock()
	cur := c.State()
	allowed := false
	for _, s := range from {
		allowed = allowed || s == cur
	}
	if !allowed {
		c.mu.Unlock()
		return c.stateErr(op)
	}
	r, err := c.prepare(only)
	if err != nil {
		c.mu.Unlock()
		c.msgs.setErr(err)
		return log.Errorf("Replay not started: %w", err)
	}
	c.abortReq.Store(false)
	select {
	case <-c.wake:
	default:
	}
	c.setState(Running)
	c.mu.Unlock()

	return c.execute(ctx, r)
}

// prepare validates the configuration and builds the per-run state. Called
// with c.mu held.
func (c *Context) prepare(only Interface) (*run, error) {
	o := c.opts
	switch {
	case c.sources.Len() == 0:
		return nil, configErr("no packet sources")
	case c.intf1 == nil:
		return nil, configErr("primary interface not set")
	case o.RouteCache != nil && c.intf2 == nil:
		return nil, configErr("a routing cache needs a secondary interface")
	case only == Secondary && c.intf2 == nil:
		return nil, configErr("secondary interface not set")
	case only == Secondary && o.RouteCache == nil:
		return nil, configErr("a secondary-only run needs a routing cache")
	case o.Speed.Mode == timing.OneAtATime && c.manual == nil:
		return nil, configErr("one-at-a-time mode needs a manual callback")
	case o.Preload && !o.FileCache:
		return nil, configErr("preload requires the file cache")
	}
	if err := o.Speed.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	waiter, err := timing.Lookup(o.Accurate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if o.FileCache {
		for len(c.caches) < c.sources.Len() {
			c.caches = append(c.caches, source.NewFileCache())
		}
	}
	if c.it == nil {
		var caches []*source.FileCache
		if o.FileCache {
			caches = c.caches
		}
		c.it = source.NewIterator(c.reader, c.sources.All(), caches)
	} else {
		c.it.Reset()
	}
	c.curSource.Store(0)

	c.only = only
	c.runID = uuid.NewString()

	r := &run{
		c:      c,
		id:     c.runID[:8],
		opts:   o,
		only:   only,
		intf1:  c.intf1,
		intf2:  c.intf2,
		it:     c.it,
		ctrl:   timing.NewController(o.Speed, o.SleepAccel),
		manual: c.manual,
		obs:    c.observerRef(),
		pace:   &pacer{waiter: waiter, now: c.now},
	}
	if o.RouteCache != nil {
		r.cursor = o.RouteCache.Cursor()
	}
	r.wait = r.pace.wait
	if c.wait != nil {
		r.wait = c.wait
	}
	return r, nil
}

func (c *Context) execute(ctx context.Context, r *run) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	log.Infof("Replay %s: %d sources, speed %s %v, loop %d, accuracy %s",
		r.id, len(c.Options().Sources), r.opts.Speed.Mode, r.opts.Speed.Speed, r.opts.Loop, r.opts.Accurate)

	var err error
	if r.opts.Preload {
		err = r.preload(runCtx)
	}
	c.stats.reset(c.now())
	if err == nil {
		err = r.loop(runCtx)
	}
	c.stats.finish(c.now())
	r.it.Reset()

	c.mu.Lock()
	c.cancel = nil
	c.mu.Unlock()

	st := c.Stats()
	switch {
	case err == nil:
		log.Infof("Replay %s finished: %d packets (%d bytes) sent, %d failed, %d dropped in %v",
			r.id, st.PktsSent, st.BytesSent, st.Failed, st.Dropped, st.Duration().Round(time.Millisecond))
		c.setState(Stopped)
		return nil
	case errors.Is(err, errAborted):
		log.Infof("Replay %s aborted after %d packets", r.id, st.PktsSent)
		c.setState(Aborted)
		return ctx.Err()
	default:
		err = log.Errorf("Replay %s failed after %d packets: %w", r.id, st.PktsSent, err)
		c.msgs.setErr(err)
		c.setState(Aborted)
		return err
	}
}

// checkpoint is the once-per-packet control point. It blocks while
// suspended and reports whether it did.
func (c *Context) checkpoint(ctx context.Context) (bool, error) {
	paused := false
	for {
		if c.abortReq.Load() || ctx.Err() != nil {
			return paused, errAborted
		}
		if c.State() != Suspended {
			if paused {
				log.Infof("Replay resumed")
			}
			return paused, nil
		}
		if !paused {
			log.Infof("Replay suspended")
			paused = true
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
		}
	}
}

// Close frees file caches and closes both interfaces.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State().Active() {
		return c.stateErr("close")
	}
	c.releaseCaches()
	var errs []error
	for _, tx := range []Transmitter{c.intf1, c.intf2} {
		if tx != nil {
			errs = append(errs, tx.Close())
		}
	}
	c.intf1, c.intf2 = nil, nil
	c.opts.Intf1, c.opts.Intf2 = "", ""
	return errors.Join(errs...)
}

// releaseCaches is called with c.mu held.
func (c *Context) releaseCaches() {
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
	for _, fc := range c.caches {
		fc.Release()
	}
	c.caches = nil
}

// run is the state of one Replay or Restart call, owned by the replay
// goroutine.
type run struct {
	c      *Context
	id     string
	opts   Options
	only   Interface
	intf1  Transmitter
	intf2  Transmitter
	it     *source.Iterator
	cursor *routecache.Cursor
	ctrl   *timing.Controller
	pace   *pacer
	wait   func(ctx context.Context, d time.Duration) error
	manual ManualCallback
	obs    Observer

	seen    uint64 // packets pulled from the sources this run
	budget  uint32
	sendAll bool
}

func (r *run) preload(ctx context.Context) error {
	start := time.Now()
	var n int
	for {
		if r.c.abortReq.Load() || ctx.Err() != nil {
			return errAborted
		}
		_, err := r.it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		n++
	}
	r.it.Reset()
	log.Infof("Replay %s: preloaded %d packets in %v", r.id, n, time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *run) loop(ctx context.Context) error {
	for pass := uint64(1); ; pass++ {
		n, err := r.pass(ctx, pass)
		if errors.Is(err, errLimit) {
			log.Tracef("Replay %s: send limit %d reached", r.id, r.opts.LimitSend)
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			log.Warnf("Replay %s: sources contain no packets", r.id)
			return nil
		}
		if r.opts.Loop != 0 && pass >= uint64(r.opts.Loop) {
			return nil
		}
		r.it.Reset()
	}
}

// pass replays every source once and returns the number of packets pulled.
func (r *run) pass(ctx context.Context, pass uint64) (uint64, error) {
	log.Tracef("Replay %s: pass %d", r.id, pass)
	if r.cursor != nil {
		r.cursor.Reset()
	}

	var (
		pulled     uint64
		dispatched uint64
		prev       time.Time
		prevSource = -1
	)
	for {
		paused, err := r.c.checkpoint(ctx)
		if err != nil {
			return pulled, err
		}
		if paused {
			r.pace.reset()
		}

		p, err := r.it.Next()
		if errors.Is(err, io.EOF) {
			return pulled, nil
		}
		if err != nil {
			return pulled, err
		}
		cur := r.it.Current()
		r.c.curSource.Store(int64(cur))
		pulled++
		r.seen++

		tx, err := r.route()
		if err != nil {
			return pulled, err
		}
		if tx == nil {
			r.c.stats.dropped.Add(1)
			log.Debugf("Replay %s: packet %d dropped", r.id, r.seen)
			continue
		}

		frame := p.Data
		if r.opts.UsePktHdrLen && p.Length > len(frame) {
			frame = padTo(frame, p.Length)
		}
		if r.opts.MTUTrunc {
			limit := r.opts.MTU
			if limit == 0 {
				limit = tx.MTU()
			}
			if limit > 0 && len(frame) > limit {
				frame = frame[:limit]
			}
		}

		switch {
		case r.opts.Speed.Mode == timing.OneAtATime:
			if err := r.step(ctx, tx); err != nil {
				return pulled, err
			}
		case dispatched == 0 || cur != prevSource:
			// timestamps are only comparable within one source
			r.pace.reset()
		default:
			d := r.ctrl.Delay(dispatched, p.Timestamp.Sub(prev), len(frame))
			if d > 0 {
				if err := r.wait(ctx, d); err != nil {
					if ctx.Err() != nil {
						return pulled, errAborted
					}
					return pulled, fmt.Errorf("wait %v: %w", d, err)
				}
			}
		}
		prev = p.Timestamp
		prevSource = cur
		dispatched++

		if err := r.send(tx, frame); err != nil {
			return pulled, err
		}
		if r.opts.LimitSend > 0 && r.c.stats.attempts() >= r.opts.LimitSend {
			return pulled, errLimit
		}
	}
}

// padTo extends frame with zeros up to the original wire length n.
func padTo(frame []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, frame)
	return out
}

// route returns the transmitter for the next packet, or nil to drop it.
func (r *run) route() (Transmitter, error) {
	d := routecache.SendPrimary
	if r.cursor != nil {
		var err error
		if d, err = r.cursor.Next(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSync, err)
		}
	}
	switch {
	case d == routecache.SendPrimary && r.only != Secondary:
		return r.intf1, nil
	case d == routecache.SendSecondary && r.only != Primary:
		return r.intf2, nil
	}
	return nil, nil
}

func (r *run) step(ctx context.Context, tx Transmitter) error {
	if r.sendAll {
		return nil
	}
	if r.budget == 0 {
		n := r.manual(r.c, tx.Name(), r.seen)
		if r.c.abortReq.Load() || ctx.Err() != nil {
			return errAborted
		}
		if n == 0 {
			r.sendAll = true
			return nil
		}
		r.budget = n
	}
	r.budget--
	return nil
}

func (r *run) send(tx Transmitter, frame []byte) error {
	n, err := tx.Send(frame)
	if err != nil {
		failed := r.c.stats.failed.Add(1)
		msg := fmt.Sprintf("packet %d on %s: %v", r.seen, tx.Name(), err)
		r.c.msgs.setWarn(msg)
		log.Warnf("Replay %s: %s", r.id, msg)
		if r.obs != nil {
			r.obs.PacketFailed(tx.Name(), err)
		}
		if r.opts.MaxFailures > 0 && failed >= r.opts.MaxFailures {
			return fmt.Errorf("%w: %d of %d sends failed", ErrTooManyFailures, failed, r.c.stats.attempts())
		}
		return nil
	}

	r.c.stats.sent.Add(1)
	r.c.stats.bytes.Add(uint64(n))
	if r.obs != nil {
		r.obs.PacketSent(tx.Name(), n)
	}
	log.Debugf("Replay %s: packet %d, %d bytes on %s", r.id, r.seen, n, tx.Name())
	return nil
}

// pacer waits relative to when the previous packet was due rather than when
// it was actually sent, so per-packet overhead does not accumulate.
type pacer struct {
	waiter timing.Waiter
	now    func() time.Time
	last   time.Time
}

func (p *pacer) reset() { p.last = p.now() }

func (p *pacer) wait(ctx context.Context, d time.Duration) error {
	if p.last.IsZero() {
		p.last = p.now()
	}
	due := p.last.Add(d)
	p.last = due
	left := due.Sub(p.now())
	if left <= 0 {
		return nil
	}
	return p.waiter(ctx, left)
}
