package logging

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryLetsOneThroughPerPeriod(t *testing.T) {
	var last atomic.Int64

	if !Every(&last, time.Hour) {
		t.Fatal("first call should be allowed")
	}
	if Every(&last, time.Hour) {
		t.Fatal("second call inside the period should be suppressed")
	}
}

func TestEveryConcurrentCallers(t *testing.T) {
	var last atomic.Int64
	var allowed atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if Every(&last, time.Hour) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 1 {
		t.Fatalf("allowed = %d, want 1", got)
	}
}

func TestEveryWithoutLimiter(t *testing.T) {
	if !Every(nil, time.Second) {
		t.Fatal("nil limiter should always allow")
	}
	var last atomic.Int64
	if !Every(&last, 0) || !Every(&last, 0) {
		t.Fatal("zero period should always allow")
	}
}

func TestNewDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Debug: true, Output: &buf})
	Component(l, "publish").Debug("tick", "mode", "active")

	out := buf.String()
	if !strings.Contains(out, "component=publish") || !strings.Contains(out, "mode=active") {
		t.Fatalf("unexpected log output %q", out)
	}

	buf.Reset()
	New(Options{Output: &buf}).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at info level: %q", buf.String())
	}
}
