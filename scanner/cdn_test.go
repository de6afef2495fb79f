package scanner

import (
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleTSV = "1.0.0.0\t1.0.0.255\t13335\tUS\tCLOUDFLARENET\n" +
	"8.8.8.0\t8.8.8.255\t15169\tUS\tGOOGLE\n" +
	"9.9.9.0\t9.9.9.255\t19281\tUS\tQUAD9\n" +
	"2606:4700::\t2606:4700:ffff:ffff:ffff:ffff:ffff:ffff\t13335\tUS\tCLOUDFLARENET\n" +
	"broken line\n" +
	"10.0.0.9\t10.0.0.1\t13335\tUS\tBACKWARDS\n" +
	"151.101.0.0\t151.101.255.255\t54113\tUS\tFASTLY\n"

func TestParseIPRanges(t *testing.T) {
	ranges, err := parseIPRanges(strings.NewReader(sampleTSV))
	ok(t, err)

	// unknown ASNs, junk and inverted rows are skipped
	equals(t, 4, len(ranges))
	for i := 1; i < len(ranges); i++ {
		assert(t, ranges[i-1].first.Less(ranges[i].first), "ranges must be sorted")
	}
	equals(t, "Cloudflare", ranges[len(ranges)-1].provider)
}

func TestProviderForIPAndEnrich(t *testing.T) {
	ranges, err := parseIPRanges(strings.NewReader(sampleTSV))
	ok(t, err)
	cdnRanges.set(ranges)
	defer cdnRanges.set(nil)

	equals(t, 4, GetLoadedRangeCount())
	equals(t, "Cloudflare", ProviderForIP("1.0.0.1"))
	equals(t, "Google", ProviderForIP("8.8.8.8"))
	equals(t, "Google", ProviderForIP("::ffff:8.8.8.8"))
	equals(t, "Fastly", ProviderForIP("151.101.1.69"))
	equals(t, "Cloudflare", ProviderForIP("2606:4700::6810:84e5"))
	equals(t, "", ProviderForIP("9.9.9.9"))
	equals(t, "", ProviderForIP("8.8.9.1"))
	equals(t, "", ProviderForIP("2001:db8::1"))
	equals(t, "", ProviderForIP("not-an-ip"))

	groups := []IPGroup{{IP: "8.8.8.8"}, {IP: UnknownIP}, {IP: "203.0.113.5"}}
	EnrichGroups(groups)
	equals(t, "Google", groups[0].CDN)
	equals(t, "", groups[1].CDN)
	equals(t, "", groups[2].CDN)
}

func TestEnrichWithoutTable(t *testing.T) {
	cdnRanges.set(nil)
	groups := []IPGroup{{IP: "8.8.8.8"}}
	EnrichGroups(groups)
	equals(t, "", groups[0].CDN)
}

func TestFindAndReadDataFile(t *testing.T) {
	empty, dir := t.TempDir(), t.TempDir()

	_, err := findDataFile([]string{empty})
	assert(t, errors.Is(err, os.ErrNotExist), "expected not-exist, got %v", err)

	path := filepath.Join(dir, ip2asnFile+".gz")
	f, err := os.Create(path)
	ok(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(sampleTSV))
	ok(t, err)
	ok(t, gz.Close())
	ok(t, f.Close())

	found, err := findDataFile([]string{empty, dir})
	ok(t, err)
	equals(t, path, found)

	ranges, err := readRangeFile(found)
	ok(t, err)
	equals(t, 4, len(ranges))
}
