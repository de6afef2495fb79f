package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/thecodingguy1/DomainMap/scanner"
)

const DefaultChartWidth = 40

// BarChart draws one horizontal bar per IP group, scaled so the largest
// group spans width cells. Every non-empty group gets at least one cell.
func BarChart(w io.Writer, groups []scanner.IPGroup, width int) error {
	if len(groups) == 0 {
		return nil
	}
	if width <= 0 {
		width = DefaultChartWidth
	}

	maxCount, labelWidth := 0, 0
	for _, g := range groups {
		if g.Count() > maxCount {
			maxCount = g.Count()
		}
		if len(g.IP) > labelWidth {
			labelWidth = len(g.IP)
		}
	}
	if maxCount == 0 {
		return nil
	}

	for _, g := range groups {
		cells := g.Count() * width / maxCount
		if cells == 0 && g.Count() > 0 {
			cells = 1
		}
		if _, err := fmt.Fprintf(w, "%-*s | %s %d\n", labelWidth, g.IP, strings.Repeat("█", cells), g.Count()); err != nil {
			return err
		}
	}
	return nil
}
