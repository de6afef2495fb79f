package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/projectdiscovery/gologger"

	"github.com/thecodingguy1/DomainMap/scanner"
)

var errNoInput = errors.New("no URLs provided")

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func readLinesFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error reading input file %q: %w", path, err)
	}
	defer f.Close()
	return readLines(f)
}

// clipboardRead is swapped out in tests.
var clipboardRead = clipboard.ReadAll

func readLinesFromClipboard() ([]string, error) {
	text, err := clipboardRead()
	if err != nil {
		return nil, fmt.Errorf("read clipboard: %w", err)
	}
	return readLines(strings.NewReader(text))
}

// collectInput reads the input file when one is set and the clipboard otherwise.
func collectInput(path string) ([]string, error) {
	var (
		lines []string
		err   error
	)
	if path != "" {
		lines, err = readLinesFromFile(path)
	} else {
		lines, err = readLinesFromClipboard()
		if err == nil && len(lines) > 0 {
			gologger.Info().Msg("Using URLs from clipboard.")
		}
	}
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, errNoInput
	}
	return lines, nil
}

// buildTargets normalizes every line and drops duplicate URLs, keeping the
// first occurrence. Lines that fail normalization are returned separately.
func buildTargets(lines []string, scheme scanner.Scheme) ([]scanner.Target, []error) {
	seen := make(map[string]struct{}, len(lines))
	targets := make([]scanner.Target, 0, len(lines))
	var invalid []error

	for _, line := range lines {
		target, err := scanner.NormalizeWithScheme(line, scheme)
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		if _, dup := seen[target.URL]; dup {
			continue
		}
		seen[target.URL] = struct{}{}
		targets = append(targets, target)
	}
	return targets, invalid
}
