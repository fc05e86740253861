//go:build linux

package timing

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// maxSlice caps a single blocking syscall so an abort is noticed promptly.
const maxSlice = 50 * time.Millisecond

func init() {
	register(SelectWait, selectWait)
	register(FineSleep, nanoWait)
}

func selectWait(ctx context.Context, d time.Duration) error {
	return sliced(ctx, d, func(step time.Duration) error {
		tv := unix.NsecToTimeval(step.Nanoseconds())
		_, err := unix.Select(0, nil, nil, nil, &tv)
		return err
	})
}

func nanoWait(ctx context.Context, d time.Duration) error {
	return sliced(ctx, d, func(step time.Duration) error {
		ts := unix.NsecToTimespec(step.Nanoseconds())
		return unix.Nanosleep(&ts, nil)
	})
}

// sliced repeats block until d has elapsed on the monotonic clock. EINTR
// restarts with whatever time remains.
func sliced(ctx context.Context, d time.Duration, block func(time.Duration) error) error {
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		left := d - time.Since(start)
		if left <= 0 {
			return nil
		}
		if left > maxSlice {
			left = maxSlice
		}
		if err := block(left); err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
