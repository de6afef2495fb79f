package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/thecodingguy1/DomainMap/scanner"
)

// GroupTable prints the IP groups with one domain per line in the last column.
func GroupTable(w io.Writer, groups []scanner.IPGroup) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"IP", "CDN", "Count", "Domains"})
	table.SetAutoWrapText(false)
	table.SetRowLine(true)

	for _, g := range groups {
		cdn := g.CDN
		if cdn == "" {
			cdn = "-"
		}
		domains := make([]string, 0, len(g.Domains))
		for _, d := range g.Domains {
			domains = append(domains, d.FinalURL())
		}
		table.Append([]string{g.IP, cdn, fmt.Sprintf("%d", g.Count()), strings.Join(domains, "\n")})
	}
	table.Render()
}

func RenderSummary(w io.Writer, summary scanner.Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAutoWrapText(false)
	table.Append([]string{"Total targets", fmt.Sprintf("%d", summary.Total)})
	table.Append([]string{"Responded (any HTTP status)", fmt.Sprintf("%d", summary.Responded)})
	table.Append([]string{"Failed", fmt.Sprintf("%d", summary.Failed)})
	table.Append([]string{"Redirected", fmt.Sprintf("%d", summary.Redirected)})
	table.Append([]string{"Unique IPs", fmt.Sprintf("%d", summary.UniqueIPs)})

	codes := make([]int, 0, len(summary.StatusCounts))
	for code := range summary.StatusCounts {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		table.Append([]string{fmt.Sprintf("HTTP %d", code), fmt.Sprintf("%d", summary.StatusCounts[code])})
	}

	kinds := make([]string, 0, len(summary.ErrorCounts))
	for kind := range summary.ErrorCounts {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		table.Append([]string{kind, fmt.Sprintf("%d", summary.ErrorCounts[scanner.ErrorKind(kind)])})
	}
	table.Render()
}
