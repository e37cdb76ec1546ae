package disk

import (
	"context"
	"testing"
	"time"
)

func TestReportUnavailableVolume(t *testing.T) {
	st := Report(0, 0)
	if st.Text != "" {
		t.Errorf("Text = %q, want empty for unavailable volume", st.Text)
	}
	if st.UsedPercent != 0 {
		t.Errorf("UsedPercent = %v, want 0", st.UsedPercent)
	}
}

func TestReportUsedPercent(t *testing.T) {
	st := Report(250, 1000)
	if st.UsedPercent != 75 {
		t.Errorf("UsedPercent = %v, want 75", st.UsedPercent)
	}
	if st.Text == "" {
		t.Error("expected non-empty status text")
	}
}

func TestFormatSize(t *testing.T) {
	cases := []struct {
		n    uint64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{1024 * 1024, "1.00 MiB"},
		{5 * 1024 * 1024 * 1024, "5.00 GiB"},
	}
	for _, tc := range cases {
		if got := FormatSize(tc.n); got != tc.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestPollerSamplesAndStops(t *testing.T) {
	orig := usageFn
	defer func() { usageFn = orig }()
	usageFn = func(string) (uint64, uint64) { return 250, 1000 }

	p := NewPoller("/records", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for p.Snapshot().TotalBytes == 0 {
		select {
		case <-deadline:
			t.Fatal("poller never sampled")
		case <-time.After(time.Millisecond):
		}
	}
	if got := p.Snapshot().UsedPercent; got != 75 {
		t.Errorf("UsedPercent = %v, want 75", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop within a polling cycle")
	}
}
