package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Progress renders the steps of lifecycle operations on stderr: a live
// checklist on a terminal, one line per step change otherwise.
type Progress struct {
	provider *sdktrace.TracerProvider
	closeFn  func()
}

func NewProgress() *Progress {
	return newProgress(os.Stderr, IsInteractive())
}

func newProgress(w io.Writer, interactive bool) *Progress {
	var (
		report  func([]stepState)
		closeFn = func() {}
	)
	if interactive {
		cl := newChecklist(w)
		report, closeFn = cl.onSnapshot, cl.close
	} else {
		report = newLineOutput(w).onSnapshot
	}
	observer := newStepObserver(report)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer}))
	return &Progress{provider: provider, closeFn: closeFn}
}

// Tracer returns a tracer whose spans drive the progress output.
func (p *Progress) Tracer(name string) trace.Tracer {
	if p == nil || p.provider == nil {
		return otel.Tracer(name)
	}
	return p.provider.Tracer(name)
}

func (p *Progress) Close() {
	if p == nil {
		return
	}
	if p.provider != nil {
		_ = p.provider.Shutdown(context.Background())
	}
	p.closeFn()
}

type lineOutput struct {
	mu   sync.Mutex
	w    io.Writer
	seen map[string]stepState
}

func newLineOutput(w io.Writer) *lineOutput {
	return &lineOutput{w: w, seen: make(map[string]stepState)}
}

func (l *lineOutput) onSnapshot(steps []stepState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, step := range steps {
		if step.Status == stepPending {
			continue
		}
		if prev, ok := l.seen[step.ID]; ok && prev.Status == step.Status && prev.Message == step.Message {
			continue
		}
		l.seen[step.ID] = step
		fmt.Fprintln(l.w, formatStepLine(step))
	}
}

func formatStepLine(step stepState) string {
	prefix := "[..]"
	switch step.Status {
	case stepRunning:
		prefix = "[->]"
	case stepDone:
		prefix = "[ok]"
	case stepFailed:
		prefix = "[x]"
	}
	title := strings.TrimSpace(step.Title)
	if title == "" {
		title = step.ID
	}
	if msg := strings.TrimSpace(step.Message); msg != "" {
		return fmt.Sprintf("  %s %s (%s)", prefix, title, msg)
	}
	return fmt.Sprintf("  %s %s", prefix, title)
}

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// checklist redraws all steps in place, animating the running one.
type checklist struct {
	mu       sync.Mutex
	w        io.Writer
	steps    []stepState
	rendered int
	frame    int
	started  bool
	stop     chan struct{}
	once     sync.Once
}

func newChecklist(w io.Writer) *checklist {
	return &checklist{w: w, stop: make(chan struct{})}
}

func (c *checklist) onSnapshot(steps []stepState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = steps
	c.redraw()
	if !c.started {
		c.started = true
		go c.spin()
	}
}

func (c *checklist) close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *checklist) spin() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.redraw()
			c.mu.Unlock()
		}
	}
}

// redraw reprints every step line in place. Caller must hold c.mu.
func (c *checklist) redraw() {
	if c.rendered > 0 {
		fmt.Fprintf(c.w, "\033[%dA", c.rendered)
	}
	for _, s := range c.steps {
		line := "  " + c.icon(s) + " " + c.label(s)
		if s.Message != "" {
			line += " " + Muted(s.Message)
		}
		fmt.Fprintf(c.w, "\r%s\033[K\n", line)
	}
	for i := len(c.steps); i < c.rendered; i++ {
		fmt.Fprint(c.w, "\r\033[K\n")
	}
	c.rendered = max(c.rendered, len(c.steps))
}

func (c *checklist) icon(s stepState) string {
	switch s.Status {
	case stepRunning:
		return Accent(spinFrames[c.frame])
	case stepDone:
		return Success("✓")
	case stepFailed:
		return ErrorStyle.Render("✗")
	default:
		return Muted("●")
	}
}

func (c *checklist) label(s stepState) string {
	switch s.Status {
	case stepFailed:
		return ErrorStyle.Render(s.Title)
	case stepPending:
		return Muted(s.Title)
	default:
		return s.Title
	}
}
