package loop

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InstallSignalHandlers wires operator signals to the loop: SIGINT/SIGTERM
// cancel the returned context (the in-flight child is then reaped under the
// adapter's grace window); a second interrupt exits immediately. SIGUSR1
// pauses, SIGUSR2 resumes. The returned stop function releases the handlers.
func InstallSignalHandlers(parent context.Context, l *Loop) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)

	pauses := make(chan os.Signal, 2)
	signal.Notify(pauses, syscall.SIGUSR1, syscall.SIGUSR2)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-interrupts:
				l.log.Warnf("received %s, shutting down", sig)
				cancel()
				// A second interrupt means the operator wants out now.
				select {
				case <-interrupts:
					os.Exit(ExitAbortOperator)
				case <-done:
					return
				}
			case sig := <-pauses:
				if sig == syscall.SIGUSR1 {
					l.Pause()
				} else {
					l.Resume()
				}
			}
		}
	}()

	return ctx, func() {
		signal.Stop(interrupts)
		signal.Stop(pauses)
		close(done)
		cancel()
	}
}
