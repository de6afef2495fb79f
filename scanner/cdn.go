package scanner

import (
	"bufio"
	"compress/gzip"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/gologger"
)

//go:embed asn.json
var asnProvidersJSON []byte

// asnProviders maps an ASN (as text) to a CDN or hosting provider name.
var asnProviders = mustProviders(asnProvidersJSON)

func mustProviders(data []byte) map[string]string {
	var providers map[string]string
	if err := json.Unmarshal(data, &providers); err != nil {
		panic("scanner: bad embedded asn.json: " + err.Error())
	}
	return providers
}

const (
	ip2asnURL       = "https://iptoasn.com/data/ip2asn-combined.tsv.gz"
	ip2asnFile      = "ip2asn-combined.tsv"
	downloadTimeout = 2 * time.Minute
)

type providerRange struct {
	first, last netip.Addr
	provider    string
}

// rangeTable is a sorted, non-overlapping list of provider ranges.
type rangeTable struct {
	mu     sync.RWMutex
	ranges []providerRange
}

func (t *rangeTable) set(ranges []providerRange) {
	t.mu.Lock()
	t.ranges = ranges
	t.mu.Unlock()
}

func (t *rangeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ranges)
}

func (t *rangeTable) lookup(addr netip.Addr) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// first range starting after addr; the candidate is the one before it
	i := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].first.Compare(addr) > 0
	})
	if i == 0 {
		return ""
	}
	r := t.ranges[i-1]
	if addr.Compare(r.last) <= 0 && addr.BitLen() == r.first.BitLen() {
		return r.provider
	}
	return ""
}

var (
	cdnRanges rangeTable
	loadOnce  sync.Once
	loadErr   error
)

// LoadIPRanges loads the ip2asn table once per process, downloading it to
// ~/.domainmap when no local copy exists.
func LoadIPRanges() error {
	loadOnce.Do(func() {
		loadErr = loadIPRanges(context.Background())
	})
	return loadErr
}

func loadIPRanges(ctx context.Context) error {
	path, err := findDataFile(dataFileDirs())
	if errors.Is(err, os.ErrNotExist) {
		path, err = downloadDataFile(ctx)
	}
	if err != nil {
		return err
	}

	ranges, err := readRangeFile(path)
	if err != nil {
		return err
	}
	cdnRanges.set(ranges)
	return nil
}

// dataFileDirs lists where a local ip2asn copy is looked for, in order.
func dataFileDirs() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home, filepath.Join(home, ".domainmap"))
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return dirs
}

func findDataFile(dirs []string) (string, error) {
	for _, dir := range dirs {
		for _, name := range []string{ip2asnFile, ip2asnFile + ".gz"} {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("ip2asn table: %w", os.ErrNotExist)
}

func downloadDataFile(ctx context.Context) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("ip2asn table not found and no home directory: %w", err)
	}
	dest := filepath.Join(home, ".domainmap", ip2asnFile+".gz")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	gologger.Info().Msgf("Downloading %s", ip2asnURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ip2asnURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download ip2asn table: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download ip2asn table: status %d", resp.StatusCode)
	}

	// write to a temp file so an interrupted download never looks complete
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".ip2asn-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write ip2asn table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return dest, nil
}

func readRangeFile(path string) ([]providerRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ip2asn table: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open ip2asn table: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return parseIPRanges(r)
}

// parseIPRanges reads ip2asn TSV rows (first, last, ASN, country, name)
// and keeps the ranges whose ASN belongs to a known provider. Malformed
// rows are skipped.
func parseIPRanges(r io.Reader) ([]providerRange, error) {
	var ranges []providerRange
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), "\t", 4)
		if len(fields) < 3 {
			continue
		}
		provider, ok := asnProviders[fields[2]]
		if !ok {
			continue
		}
		first, err1 := netip.ParseAddr(fields[0])
		last, err2 := netip.ParseAddr(fields[1])
		if err1 != nil || err2 != nil || first.BitLen() != last.BitLen() || last.Less(first) {
			continue
		}
		ranges = append(ranges, providerRange{first: first.Unmap(), last: last.Unmap(), provider: provider})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ip2asn table: %w", err)
	}

	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].first.Less(ranges[j].first)
	})
	return ranges, nil
}

// ProviderForIP returns the provider announcing ip, or "" when unknown or
// when no table is loaded.
func ProviderForIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	return cdnRanges.lookup(addr.Unmap())
}

// EnrichGroups fills in the CDN provider of each group in place.
func EnrichGroups(groups []IPGroup) {
	if cdnRanges.len() == 0 {
		return
	}
	for i := range groups {
		if groups[i].IP != UnknownIP {
			groups[i].CDN = ProviderForIP(groups[i].IP)
		}
	}
}

func GetLoadedRangeCount() int {
	return cdnRanges.len()
}
