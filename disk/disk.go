// Package disk polls free/used space for the recording volume and exposes the
// latest snapshot for the status API and metrics.
package disk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gopsdisk "github.com/shirou/gopsutil/v4/disk"

	"github.com/nekomoe/bilirec/telemetry"
)

// usageFn is swapped in tests.
var usageFn = func(path string) (availableBytes, totalBytes uint64) {
	u, err := gopsdisk.Usage(path)
	if err != nil {
		// Unavailable volume reports as zero total; callers render that as
		// an empty/neutral state instead of an error.
		return 0, 0
	}
	return u.Free, u.Total
}

// Status is one disk usage snapshot. TotalBytes == 0 means the volume is
// unavailable; Text is empty and UsedPercent zero in that case.
type Status struct {
	AvailableBytes uint64  `json:"available_bytes"`
	TotalBytes     uint64  `json:"total_bytes"`
	UsedPercent    float64 `json:"used_percent"`
	Text           string  `json:"text"`
}

// Report builds a Status from raw byte counts.
func Report(availableBytes, totalBytes uint64) Status {
	if totalBytes == 0 {
		return Status{}
	}
	used := totalBytes - availableBytes
	return Status{
		AvailableBytes: availableBytes,
		TotalBytes:     totalBytes,
		UsedPercent:    float64(used) / float64(totalBytes) * 100,
		Text:           fmt.Sprintf("used %s/%s, free %s", FormatSize(used), FormatSize(totalBytes), FormatSize(availableBytes)),
	}
}

// FormatSize renders a byte count as a human-readable size.
func FormatSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Poller periodically samples the recording volume.
type Poller struct {
	Path     string
	Interval time.Duration

	mu   sync.RWMutex
	last Status
}

// NewPoller creates a poller for the given path. Interval defaults to 1s.
func NewPoller(path string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{Path: path, Interval: interval}
}

// Snapshot returns the most recent status.
func (p *Poller) Snapshot() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Poller) sample() {
	avail, total := usageFn(p.Path)
	st := Report(avail, total)
	p.mu.Lock()
	p.last = st
	p.mu.Unlock()
	telemetry.SetDiskUsage(avail, total)
}

// Run samples immediately and then on every tick until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("disk usage poller starting", slog.String("path", p.Path), slog.Duration("interval", p.Interval))
	p.sample()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("disk usage poller stopped")
			return
		case <-ticker.C:
			p.sample()
		}
	}
}
