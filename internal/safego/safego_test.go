package safego

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

func TestRunRecoversPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ran := false
	Run(logger, "boom", func() {
		ran = true
		panic("boom")
	})
	if !ran {
		t.Error("expected fn to run")
	}
}

func TestGo(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go(nil, "panics", func() {
		defer wg.Done()
		panic("background")
	})
	wg.Wait()
}
