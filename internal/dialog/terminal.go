package dialog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/agentworkforce/prunebox/internal/prune"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E88A3D"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6F7D7D"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C2483F"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const defaultMaxRows = 20

// Terminal asks on an interactive terminal. Anything but "y" or "yes" is a
// refusal, and so is no answer within the timeout.
type Terminal struct {
	in      io.Reader
	out     io.Writer
	maxRows int
	timeout time.Duration
	mu      sync.Mutex

	readOnce sync.Once
	lines    chan lineResult
}

type lineResult struct {
	line string
	err  error
}

func NewTerminal(in io.Reader, out io.Writer, maxRows int, timeout time.Duration) *Terminal {
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Terminal{in: in, out: out, maxRows: maxRows, timeout: timeout, lines: make(chan lineResult)}
}

// readLines is the only reader of in. It stops after the first error.
func (t *Terminal) readLines() {
	r := bufio.NewReader(t.in)
	for {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			t.lines <- lineResult{err: err}
			return
		}
		t.lines <- lineResult{line: line}
		if err != nil {
			t.lines <- lineResult{err: err}
			return
		}
	}
}

func (t *Terminal) Preflight(ctx context.Context, _ string, count int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, titleStyle.Render("Large selection"))
	fmt.Fprintf(t.out, "%d records are selected. Evaluate them for payload removal?\n", count)
	return t.ask(ctx, "Continue? [y/N] ")
}

func (t *Terminal) Confirm(ctx context.Context, _ string, stats prune.Stats, rows []prune.PreviewRow) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, RenderPreview(stats, rows, t.maxRows))
	fmt.Fprintln(t.out, warnStyle.Render("Payloads are backed up and verified, then removed from the records."))
	return t.ask(ctx, "Back up and delete these payloads? [y/N] ")
}

func (t *Terminal) ask(ctx context.Context, prompt string) (bool, error) {
	fmt.Fprint(t.out, prompt)
	t.readOnce.Do(func() { go t.readLines() })

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case res, ok := <-t.lines:
		if !ok {
			return false, nil
		}
		if res.err != nil {
			// Later asks see the same end of input.
			close(t.lines)
			if res.err == io.EOF {
				return false, nil
			}
			return false, res.err
		}
		switch strings.ToLower(strings.TrimSpace(res.line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	case <-timer.C:
		fmt.Fprintln(t.out)
		fmt.Fprintln(t.out, labelStyle.Render("No answer, treating as no."))
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// RenderPreview lays out the evaluation for a terminal. Rows beyond maxRows
// are summarized.
func RenderPreview(stats prune.Stats, rows []prune.PreviewRow, maxRows int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Payload removal preview") + "\n")
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("records:"), stats.AffectedRecords)
	fmt.Fprintf(&b, "%s %d (%s)\n", labelStyle.Render("payloads:"), stats.TotalPayloads, HumanBytes(stats.TotalBytes))
	for _, ext := range stats.ByExt {
		fmt.Fprintf(&b, "  .%-8s %4d  %s\n", ext.Ext, ext.Count, HumanBytes(ext.Bytes))
	}
	for i, row := range rows {
		if maxRows > 0 && i >= maxRows {
			fmt.Fprintf(&b, "%s\n", labelStyle.Render(fmt.Sprintf("... and %d more records", len(rows)-maxRows)))
			break
		}
		fmt.Fprintf(&b, "\n%s  %s\n", row.Date, row.Title)
		for _, p := range row.Payloads {
			fmt.Fprintf(&b, "  - %s (%s)\n", p.Name, HumanBytes(p.Size))
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// AssumeYes is consent given up front on the command line.
type AssumeYes struct{}

func (AssumeYes) Preflight(context.Context, string, int) (bool, error) { return true, nil }

func (AssumeYes) Confirm(context.Context, string, prune.Stats, []prune.PreviewRow) (bool, error) {
	return true, nil
}
