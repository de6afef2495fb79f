package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"golang.org/x/net/publicsuffix"

	"github.com/thecodingguy1/DomainMap/scanner"
)

type Format string

const (
	FormatText Format = "txt"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

const fallbackOutputName = "output.txt"

var ErrUnknownFormat = errors.New("unknown output format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatCSV, FormatJSON:
		return f, nil
	case "text":
		return FormatText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFromPath picks the format from the file extension, defaulting to text.
func FormatFromPath(path string) Format {
	if f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(path), ".")); err == nil {
		return f
	}
	return FormatText
}

type csvRow struct {
	URL           string `csv:"url"`
	FinalURL      string `csv:"final_url"`
	Status        int    `csv:"status"`
	Title         string `csv:"title"`
	ContentLength int64  `csv:"content_length"`
	IP            string `csv:"ip"`
	CDN           string `csv:"cdn"`
	Error         string `csv:"error"`
}

type jsonReport struct {
	Summary scanner.Summary      `json:"summary"`
	Results []scanner.ScanResult `json:"results"`
	Groups  []scanner.IPGroup    `json:"groups"`
}

// Export writes the report to path, creating or truncating the file.
func Export(path string, format Format, results []scanner.ScanResult, groups []scanner.IPGroup) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := Write(f, format, results, groups); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}

func Write(w io.Writer, format Format, results []scanner.ScanResult, groups []scanner.IPGroup) error {
	switch format {
	case FormatText, "":
		return writeText(w, results, groups)
	case FormatCSV:
		return writeCSV(w, results, groups)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(jsonReport{
			Summary: scanner.Summarize(results),
			Results: sortedResults(results),
			Groups:  groups,
		})
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

func writeText(w io.Writer, results []scanner.ScanResult, groups []scanner.IPGroup) error {
	if err := Render(w, results, RenderOptions{NoColor: true}); err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\nGrouped by IP\n=============\n")
	for _, g := range groups {
		header := g.IP
		if g.CDN != "" {
			header = fmt.Sprintf("%s (%s)", g.IP, g.CDN)
		}
		fmt.Fprintf(w, "\n%s - %d domain(s)\n", header, g.Count())
		for _, d := range g.Domains {
			if _, err := fmt.Fprintf(w, "  %s\n", d.FinalURL()); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeCSV(w io.Writer, results []scanner.ScanResult, groups []scanner.IPGroup) error {
	cdnByIP := make(map[string]string, len(groups))
	for _, g := range groups {
		cdnByIP[g.IP] = g.CDN
	}

	rows := make([]csvRow, 0, len(results))
	for _, r := range sortedResults(results) {
		rows = append(rows, csvRow{
			URL:           r.Target.URL,
			FinalURL:      r.FinalURL(),
			Status:        r.Outcome.StatusCode,
			Title:         r.Outcome.Title,
			ContentLength: r.Outcome.ContentLength,
			IP:            r.Outcome.IP,
			CDN:           cdnByIP[r.Outcome.IP],
			Error:         string(r.Outcome.Error),
		})
	}
	return gocsv.Marshal(rows, w)
}

// DefaultOutputName derives "<registered domain>.txt" from the first URL.
func DefaultOutputName(urls []string) string {
	if len(urls) == 0 {
		return fallbackOutputName
	}
	raw := urls[0]
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fallbackOutputName
	}
	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return fallbackOutputName
	}

	if net.ParseIP(host) == nil {
		if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
			return domain + ".txt"
		}
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "." + parts[len(parts)-1] + ".txt"
	}
	return fallbackOutputName
}
