//go:build unix

package localterm

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

func notifyResize(layout func()) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGWINCH)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-sig:
				layout()
			case <-stop:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(stop)
	}
}
