package telemetry

import (
	"testing"
	"time"
)

func TestTimeFuncObserves(t *testing.T) {
	Init()

	ran := false
	d := TimeFunc(ConversionDuration, func() {
		ran = true
		time.Sleep(5 * time.Millisecond)
	})
	if !ran {
		t.Fatal("fn was not invoked")
	}
	if d < 5*time.Millisecond {
		t.Fatalf("duration = %v, want >= 5ms", d)
	}

	// A nil observer only times, it never panics.
	if d := TimeFunc(nil, func() {}); d < 0 {
		t.Fatalf("duration = %v", d)
	}
}
