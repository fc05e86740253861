package replay

import "fmt"

type State int32

const (
	Idle State = iota
	Running
	Suspended
	Aborted
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Aborted:
		return "aborted"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Active reports whether a run owns the context.
func (s State) Active() bool { return s == Running || s == Suspended }

func (c *Context) State() State { return State(c.state.Load()) }

func (c *Context) IsRunning() bool { return c.State() == Running }

func (c *Context) IsSuspended() bool { return c.State() == Suspended }

func (c *Context) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from != to {
		c.notifyState(from, to)
	}
}

func (c *Context) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.notifyState(from, to)
	return true
}

func (c *Context) notifyState(from, to State) {
	if obs := c.observerRef(); obs != nil {
		obs.StateChanged(from, to)
	}
}

func (c *Context) stateErr(op string) error {
	err := fmt.Errorf("%w: cannot %s while %s", ErrState, op, c.State())
	c.msgs.setErr(err)
	return err
}

// Abort stops the run at the next packet boundary. A wait in progress is
// cut short; a send in progress is not.
func (c *Context) Abort() error {
	s := c.State()
	if !s.Active() {
		return c.stateErr("abort")
	}
	c.abortReq.Store(true)
	c.signal()
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Suspend pauses the run before its next packet.
func (c *Context) Suspend() error {
	if !c.transition(Running, Suspended) {
		return c.stateErr("suspend")
	}
	c.signal()
	return nil
}

func (c *Context) Resume() error {
	if !c.transition(Suspended, Running) {
		return c.stateErr("resume")
	}
	c.signal()
	return nil
}

func (c *Context) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
