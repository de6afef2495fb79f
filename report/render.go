package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/thecodingguy1/DomainMap/scanner"
)

type RenderOptions struct {
	NoColor bool
}

type palette struct {
	success, redirect, clientErr, serverErr, failed, faint *color.Color
}

func newPalette(noColor bool) palette {
	p := palette{
		success:   color.New(color.FgGreen),
		redirect:  color.New(color.FgCyan),
		clientErr: color.New(color.FgYellow),
		serverErr: color.New(color.FgRed),
		failed:    color.New(color.FgMagenta),
		faint:     color.New(color.FgHiBlack),
	}
	if noColor {
		for _, c := range []*color.Color{p.success, p.redirect, p.clientErr, p.serverErr, p.failed, p.faint} {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) status(o scanner.FetchOutcome) string {
	if o.Failed() {
		return p.failed.Sprintf("[%s]", o.Error)
	}
	label := fmt.Sprintf("[%d]", o.StatusCode)
	switch {
	case o.StatusCode >= 500:
		return p.serverErr.Sprint(label)
	case o.StatusCode >= 400:
		return p.clientErr.Sprint(label)
	case o.StatusCode >= 300:
		return p.redirect.Sprint(label)
	default:
		return p.success.Sprint(label)
	}
}

// Render writes one line per result, ordered by status code and then URL.
// Failed targets come last.
func Render(w io.Writer, results []scanner.ScanResult, opts RenderOptions) error {
	p := newPalette(opts.NoColor)
	for _, r := range sortedResults(results) {
		if _, err := fmt.Fprintln(w, resultLine(r, p)); err != nil {
			return err
		}
	}
	return nil
}

func resultLine(r scanner.ScanResult, p palette) string {
	var b strings.Builder
	b.WriteString(p.status(r.Outcome))
	b.WriteString(" ")
	b.WriteString(r.Target.URL)
	if r.Outcome.RedirectedTo != nil {
		b.WriteString(" -> ")
		b.WriteString(r.Outcome.RedirectedTo.URL)
	}
	if r.Outcome.Failed() {
		if r.Outcome.ErrorDetail != "" {
			b.WriteString(" ")
			b.WriteString(p.faint.Sprintf("(%s)", r.Outcome.ErrorDetail))
		}
		return b.String()
	}
	if r.Outcome.Title != "" {
		fmt.Fprintf(&b, " [%s]", r.Outcome.Title)
	}
	fmt.Fprintf(&b, " [%s]", formatSize(r.Outcome.ContentLength))
	if r.Outcome.IP != "" {
		fmt.Fprintf(&b, " [%s]", r.Outcome.IP)
	}
	return b.String()
}

func sortedResults(results []scanner.ScanResult) []scanner.ScanResult {
	sorted := make([]scanner.ScanResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := statusKey(sorted[i].Outcome), statusKey(sorted[j].Outcome)
		if ki != kj {
			return ki < kj
		}
		return sorted[i].Target.URL < sorted[j].Target.URL
	})
	return sorted
}

func statusKey(o scanner.FetchOutcome) int {
	if o.Failed() {
		return 1000
	}
	return o.StatusCode
}

func formatSize(n int64) string {
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
