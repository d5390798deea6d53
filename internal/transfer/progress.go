package transfer

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Phase says which direction a progress report belongs to.
type Phase string

const (
	PhaseUpload   Phase = "upload"
	PhaseDownload Phase = "download"
)

// Progress is a snapshot of a running transfer.
type Progress struct {
	Phase       Phase
	FileName    string
	ChunkIndex  int
	TotalChunks int
	BytesDone   int64
	TotalBytes  int64
	StartTime   time.Time
	UpdatedAt   time.Time
}

// ProgressFunc receives progress snapshots. It is called from the
// transferring goroutine and must not block for long.
type ProgressFunc func(Progress)

func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		if p.TotalChunks > 0 {
			return float64(p.ChunkIndex+1) / float64(p.TotalChunks) * 100.0
		}
		return 100.0
	}
	return float64(p.BytesDone) / float64(p.TotalBytes) * 100.0
}

// Speed returns bytes per second since the start.
func (p Progress) Speed() float64 {
	elapsed := p.UpdatedAt.Sub(p.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.BytesDone) / elapsed
}

// ETA estimates the remaining time from the average speed.
func (p Progress) ETA() time.Duration {
	speed := p.Speed()
	if speed <= 0 || p.TotalBytes <= p.BytesDone {
		return 0
	}
	return time.Duration(float64(p.TotalBytes-p.BytesDone)/speed) * time.Second
}

func (p Progress) String() string {
	s := fmt.Sprintf("%s %s: %s/%s (%.1f%%)", p.Phase, p.FileName,
		humanize.IBytes(uint64(p.BytesDone)), humanize.IBytes(uint64(p.TotalBytes)), p.Percent())
	if p.TotalChunks > 0 {
		s += fmt.Sprintf(" chunk %d/%d", p.ChunkIndex+1, p.TotalChunks)
	}
	if speed := p.Speed(); speed > 0 {
		s += fmt.Sprintf(" %s/s", humanize.IBytes(uint64(speed)))
	}
	if eta := p.ETA(); eta > 0 {
		s += " ETA " + formatDuration(eta)
	}
	return s
}

// formatDuration formats duration into human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}

// ProgressPrinter renders progress lines to out, at most once per interval
// except for the final report.
type ProgressPrinter struct {
	out      io.Writer
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewProgressPrinter(out io.Writer, interval time.Duration) *ProgressPrinter {
	return &ProgressPrinter{out: out, interval: interval}
}

func (pp *ProgressPrinter) Report(p Progress) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	done := p.TotalBytes > 0 && p.BytesDone >= p.TotalBytes
	if !done && !pp.last.IsZero() && p.UpdatedAt.Sub(pp.last) < pp.interval {
		return
	}
	pp.last = p.UpdatedAt
	fmt.Fprintf(pp.out, "\r%s", p)
	if done {
		fmt.Fprintln(pp.out)
	}
}

// progressWriter reports bytes as they pass through to w.
type progressWriter struct {
	w      io.Writer
	report ProgressFunc
	state  Progress
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.state.BytesDone += int64(n)
	pw.state.UpdatedAt = time.Now()
	if pw.report != nil {
		pw.report(pw.state)
	}
	return n, err
}
