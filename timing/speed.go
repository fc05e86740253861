// Package timing turns capture timestamps into send delays and waits them
// out with a selectable accuracy strategy.
package timing

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid timing setting")

type SpeedMode int

const (
	// Multiplier scales the captured gaps. 2.0 replays twice as fast.
	Multiplier SpeedMode = iota
	MbpsRate
	PacketRate
	TopSpeed
	OneAtATime
)

var speedModeNames = map[SpeedMode]string{
	Multiplier: "multiplier",
	MbpsRate:   "mbps",
	PacketRate: "pps",
	TopSpeed:   "topspeed",
	OneAtATime: "oneatatime",
}

func (m SpeedMode) String() string {
	if s, ok := speedModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseSpeedMode(name string) (SpeedMode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for m, s := range speedModeNames {
		if s == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown speed mode %q", ErrInvalid, name)
}

type SpeedPolicy struct {
	Mode SpeedMode
	// Speed is the multiplier, Mbps or packets-per-second value depending
	// on Mode. Ignored for TopSpeed and OneAtATime.
	Speed float64
	// PPSMulti sends packets in bursts of this size under PacketRate.
	PPSMulti int
}

func DefaultPolicy() SpeedPolicy {
	return SpeedPolicy{Mode: Multiplier, Speed: 1.0, PPSMulti: 1}
}

func (p SpeedPolicy) Validate() error {
	switch p.Mode {
	case Multiplier, MbpsRate, PacketRate:
		if !(p.Speed > 0) || math.IsInf(p.Speed, 0) {
			return fmt.Errorf("%w: %s speed must be a positive number, got %v", ErrInvalid, p.Mode, p.Speed)
		}
	case TopSpeed, OneAtATime:
	default:
		return fmt.Errorf("%w: unknown speed mode %d", ErrInvalid, int(p.Mode))
	}
	if p.PPSMulti < 1 {
		return fmt.Errorf("%w: pps multi must be at least 1, got %d", ErrInvalid, p.PPSMulti)
	}
	return nil
}

// Controller computes the delay before each packet of a pass.
type Controller struct {
	policy SpeedPolicy
	accel  float64
}

func NewController(p SpeedPolicy, sleepAccel float64) *Controller {
	if p.PPSMulti < 1 {
		p.PPSMulti = 1
	}
	if sleepAccel < 0 {
		sleepAccel = 0
	}
	return &Controller{policy: p, accel: sleepAccel}
}

func (c *Controller) Policy() SpeedPolicy { return c.policy }

// Delay returns how long to wait before sending the packet at index (within
// the pass) whose capture gap to the previous packet is gap.
func (c *Controller) Delay(index uint64, gap time.Duration, size int) time.Duration {
	var d float64 // nanoseconds
	switch c.policy.Mode {
	case Multiplier:
		if gap <= 0 {
			return 0
		}
		d = float64(gap) / c.policy.Speed
	case MbpsRate:
		d = float64(size) * 8 * float64(time.Second) / (c.policy.Speed * 1e6)
	case PacketRate:
		n := uint64(c.policy.PPSMulti)
		if index%n != 0 {
			return 0
		}
		d = float64(n) * float64(time.Second) / c.policy.Speed
	default:
		return 0
	}

	d *= c.accel
	if d <= 0 || math.IsNaN(d) {
		return 0
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Round(d))
}
