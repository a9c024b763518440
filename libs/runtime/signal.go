package runtime

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext cancels on SIGINT/SIGTERM. A second signal exits the
// process immediately, so an operator is never stuck behind a drain
// that waits on an unresponsive broker.
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
		<-sigs
		os.Exit(1)
	}()

	stop := func() {
		signal.Stop(sigs)
		cancel()
	}
	return ctx, stop
}
