package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Progress draws a single-line transfer bar on stderr.
type Progress struct {
	out   io.Writer
	label string
	total int64
	done  atomic.Int64
	t0    time.Time
	last  time.Time
}

func newProgress(label string, total int64) *Progress {
	if len(label) > 20 {
		label = label[len(label)-20:]
	}
	return &Progress{out: os.Stderr, label: label, total: max64(total, 1), t0: time.Now()}
}

// Write counts p as transferred so a Progress can sit in an io.MultiWriter.
func (p *Progress) Write(b []byte) (int, error) {
	p.Advance(int64(len(b)))
	return len(b), nil
}

func (p *Progress) Advance(n int64) {
	p.done.Add(n)
	if time.Since(p.last) >= 150*time.Millisecond || p.done.Load() >= p.total {
		p.last = time.Now()
		p.draw()
	}
}

func (p *Progress) Finish() {
	if p.done.Load() < p.total {
		p.done.Store(p.total)
	}
	p.draw()
	fmt.Fprintln(p.out)
}

func (p *Progress) draw() {
	done := p.done.Load()
	pct := float64(done) / float64(p.total)
	if pct > 1 {
		pct = 1
	}
	width := 28
	filled := int(pct * float64(width))
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	dt := time.Since(p.t0).Seconds()
	var speed float64
	if dt > 0 {
		speed = float64(done) / dt
	}
	var eta float64
	if speed > 0 && done < p.total {
		eta = float64(p.total-done) / speed
	}
	fmt.Fprintf(p.out, "\r  %-20s [%s] %5.1f%%  %s/s  ETA %s",
		p.label, bar, pct*100, fmtSize(speed), fmtTime(eta))
}

func fmtSize(n float64) string {
	for _, u := range []string{"B", "KB", "MB", "GB"} {
		if n < 1024 {
			return fmt.Sprintf("%6.1f %s", n, u)
		}
		n /= 1024
	}
	return fmt.Sprintf("%6.1f TB", n)
}

func fmtTime(s float64) string {
	if s < 60 {
		return fmt.Sprintf("%.0fs", s)
	}
	return fmt.Sprintf("%.0fm%02ds", float64(int(s)/60), int(s)%60)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
