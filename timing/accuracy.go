package timing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrUnavailable = errors.New("timing strategy not available on this platform")

type Accuracy int

const (
	CoarseWait Accuracy = iota
	BusyPoll
	AbsTime
	SelectWait
	FineSleep
	CycleCounter
)

var accuracyNames = map[Accuracy]string{
	CoarseWait:   "sleep",
	BusyPoll:     "gtod",
	AbsTime:      "abstime",
	SelectWait:   "select",
	FineSleep:    "nanosleep",
	CycleCounter: "rdtsc",
}

func (a Accuracy) String() string {
	if s, ok := accuracyNames[a]; ok {
		return s
	}
	return fmt.Sprintf("accuracy(%d)", int(a))
}

func ParseAccuracy(name string) (Accuracy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for a, s := range accuracyNames {
		if s == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown accuracy %q", ErrInvalid, name)
}

// Waiter blocks for at least d unless ctx is done first, in which case it
// returns ctx.Err().
type Waiter func(ctx context.Context, d time.Duration) error

var (
	regMu   sync.RWMutex
	waiters = map[Accuracy]Waiter{}
)

func register(a Accuracy, w Waiter) {
	regMu.Lock()
	waiters[a] = w
	regMu.Unlock()
}

func Lookup(a Accuracy) (Waiter, error) {
	regMu.RLock()
	w, ok := waiters[a]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, a)
	}
	return w, nil
}

// Available lists the compiled-in strategies in enum order.
func Available() []Accuracy {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]Accuracy, 0, len(waiters))
	for a := range waiters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
