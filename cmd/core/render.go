package core

import (
	"fmt"
	"io"
	"os"
	"sync"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/zerobrew/zb/progress"
	downloadProgress "github.com/zerobrew/zb/progress/download"
	installProgress "github.com/zerobrew/zb/progress/install"
)

const (
	ansiBold  = "\x1b[1m"
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

// renderer serializes writes to stderr from concurrent download
// goroutines and remembers whether the last write was an in-place
// progress line that needs terminating.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	tty     bool
	partial bool
}

func newRenderer() *renderer {
	return &renderer{
		out: colorable.NewColorableStderr(),
		tty: isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// line prints a full status line, closing any in-place progress line first.
func (r *renderer) line(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partial {
		fmt.Fprintln(r.out)
		r.partial = false
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}

// inPlace redraws the current line on a TTY; on a pipe it stays silent so
// logs aren't flooded with byte counts.
func (r *renderer) inPlace(text string) {
	if !r.tty {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if width, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && width > 1 && len(text) >= width {
		text = text[:width-1]
	}
	fmt.Fprintf(r.out, "\r\x1b[K%s", text)
	r.partial = true
}

func (r *renderer) color(code, s string) string {
	if !r.tty {
		return s
	}
	return code + s + ansiReset
}

// NewDownloadRenderer returns a Tracker that renders download progress to
// stderr: one line per download start/finish, with an in-place byte
// counter on a TTY.
func NewDownloadRenderer() progress.Tracker {
	r := newRenderer()
	return progress.NewTracker(func(e downloadProgress.Event) {
		switch e.Phase {
		case downloadProgress.PhaseStarted:
			r.line("%s %s", r.color(ansiBold, "==> Downloading"), e.Name)
		case downloadProgress.PhaseProgress:
			if e.BytesTotal > 0 {
				pct := float64(e.BytesDone) / float64(e.BytesTotal) * 100 //nolint:mnd
				r.inPlace(fmt.Sprintf("    %s: %s / %s (%.1f%%)",
					e.Name, FormatSize(e.BytesDone), FormatSize(e.BytesTotal), pct))
			} else {
				r.inPlace(fmt.Sprintf("    %s: %s", e.Name, FormatSize(e.BytesDone)))
			}
		case downloadProgress.PhaseCompleted:
			r.line("%s %s (%s)", r.color(ansiGreen, "==> Downloaded"), e.Name, FormatSize(e.BytesDone))
		}
	})
}

// NewInstallRenderer returns a Tracker that narrates install phases to
// stderr.
func NewInstallRenderer() progress.Tracker {
	r := newRenderer()
	return progress.NewTracker(func(e installProgress.Event) {
		switch e.Phase {
		case installProgress.PhasePlanned:
			noun := "package"
			if e.Total != 1 {
				noun = "packages"
			}
			r.line("%s %d %s", r.color(ansiBold, "==> Installing"), e.Total, noun)
		case installProgress.PhaseExtracted:
			r.line("    extracted %s", e.Name)
		case installProgress.PhaseLinked:
			r.line("    linked %s", e.Name)
		case installProgress.PhaseCommitted:
			r.line("    %s %s", r.color(ansiGreen, "installed"), e.Name)
		case installProgress.PhaseDone:
			r.line("%s", r.color(ansiGreen, "==> Done"))
		}
	})
}
