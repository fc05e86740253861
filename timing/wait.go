package timing

import (
	"context"
	"time"
)

// spinCheckEvery bounds how many clock reads a spin does between context
// checks.
const spinCheckEvery = 256

func init() {
	register(CoarseWait, sleepWait)
	register(BusyPoll, wallSpin)
	register(AbsTime, monoSpin)
}

func sleepWait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wallSpin polls the wall clock, ignoring the monotonic reading.
func wallSpin(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Round(0).Add(d)
	for i := 0; ; i++ {
		if !time.Now().Round(0).Before(deadline) {
			return nil
		}
		if i%spinCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}

func monoSpin(ctx context.Context, d time.Duration) error {
	start := time.Now()
	for i := 0; time.Since(start) < d; i++ {
		if i%spinCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}
