package main

import "os"

// onSignal runs stop with the first signal received on sigCh. The returned
// channel closes once stop has returned.
func onSignal(sigCh <-chan os.Signal, stop func(os.Signal)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		stop(<-sigCh)
	}()
	return done
}
