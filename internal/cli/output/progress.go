package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// ProgressBar draws the progress of a task on one terminal line.
type ProgressBar struct {
	w     io.Writer
	title string
	width int

	mu      sync.Mutex
	percent int
	detail  string
	done    bool
}

// NewProgressBar creates a new progress bar.
func NewProgressBar(w io.Writer, title string) *ProgressBar {
	return &ProgressBar{
		w:     w,
		title: title,
		width: 40,
	}
}

// Update redraws the bar. Percent is clamped to 0..100; detail names the
// current operation.
func (p *ProgressBar) Update(percent int, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.percent = min(max(percent, 0), 100)
	p.detail = detail
	p.render()
}

// Finish draws the final state and ends the line.
func (p *ProgressBar) Finish(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.detail = status
	p.render()
	fmt.Fprintln(p.w)
}

func (p *ProgressBar) render() {
	filled := p.width * p.percent / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", p.width-filled)
	line := fmt.Sprintf("\r%s [%s] %3d%%", p.title, bar, p.percent)
	if p.detail != "" {
		line += " " + p.detail
	}
	// Clear what a longer previous detail left behind.
	fmt.Fprint(p.w, line+"\033[K")
}
