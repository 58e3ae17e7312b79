package app

import (
	"context"
	"fmt"
	"time"

	logx "briefbot/pkg/logx"
)

// slowStep promotes a step's completion log from debug to info.
const slowStep = 500 * time.Millisecond

type stopStep struct {
	name   string
	budget time.Duration
	run    func(context.Context) error
}

// runStopSteps runs steps in order. A step that overruns its budget (or
// the remaining time on ctx) is abandoned and the next one starts.
func runStopSteps(ctx context.Context, log logx.Logger, steps []stopStep) {
	for _, st := range steps {
		budget := st.budget
		if dl, ok := ctx.Deadline(); ok {
			budget = min(budget, time.Until(dl))
		}
		if budget <= 0 {
			log.Warn("no time left for stop step", logx.String("step", st.name))
			continue
		}
		began := time.Now()
		err := runBounded(ctx, budget, st)
		took := time.Since(began)

		switch {
		case err != nil:
			log.Warn("stop step failed", logx.String("step", st.name), logx.Duration("took", took), logx.Err(err))
		case took >= slowStep:
			log.Info("stop step done", logx.String("step", st.name), logx.Duration("took", took))
		default:
			log.Debug("stop step done", logx.String("step", st.name), logx.Duration("took", took))
		}
	}
}

func runBounded(parent context.Context, budget time.Duration, st stopStep) error {
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	res := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				res <- fmt.Errorf("panic: %v", p)
			}
		}()
		res <- st.run(ctx)
	}()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return fmt.Errorf("abandoned: %w", ctx.Err())
	}
}
