package main

import (
	"os"
	"syscall"
	"testing"
	"time"
)

func TestOnSignal_DoneAfterStopReturns(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	release := make(chan struct{})
	got := make(chan os.Signal, 1)

	done := onSignal(sigCh, func(sig os.Signal) {
		got <- sig
		<-release
	})

	select {
	case <-done:
		t.Fatal("done closed before any signal")
	case <-time.After(20 * time.Millisecond):
	}

	sigCh <- syscall.SIGTERM
	if sig := <-got; sig != syscall.SIGTERM {
		t.Fatalf("stop got %v, want SIGTERM", sig)
	}

	select {
	case <-done:
		t.Fatal("done closed while stop was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after stop returned")
	}
}
