package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/endorses/lippytap/internal/pkg/constants"
	"github.com/endorses/lippytap/internal/pkg/logger"
)

// Cancel returns a context that is cancelled by the first SIGINT or SIGTERM.
// An analysis pass watching the context stops before its next frame and
// still draws its statistics.
//
// If a second signal arrives, or the caller has not called stop within
// constants.GracefulShutdownTimeout of the first, onForce is called with the
// last signal. A nil onForce only logs.
//
// stop releases the handler and cancels the context. It is safe to call more
// than once.
func Cancel(parent context.Context, onForce func(os.Signal)) (ctx context.Context, stop func()) {
	return cancelAfter(parent, constants.GracefulShutdownTimeout, onForce)
}

func cancelAfter(parent context.Context, grace time.Duration, onForce func(os.Signal)) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, constants.SignalChannelBuffer)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		var sig os.Signal
		select {
		case sig = <-sigCh:
		case <-parent.Done():
			return
		case <-done:
			return
		}
		logger.Info("Received signal, stopping after current frame", "signal", sig.String())
		cancel()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case sig = <-sigCh:
			logger.Warn("Received second signal, forcing shutdown", "signal", sig.String())
		case <-timer.C:
			logger.Warn("Graceful shutdown timed out", "timeout", grace)
		case <-done:
			return
		}
		if onForce != nil {
			onForce(sig)
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
			wg.Wait()
			cancel()
		})
	}
	return ctx, stop
}
