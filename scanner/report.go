package scanner

import "sort"

// UnknownIP groups results that never got as far as a connection.
const UnknownIP = "unknown"

// Aggregate groups results by resolved IP. Results keep their input order
// within a group; groups are sorted by count descending, then by IP.
func Aggregate(results []ScanResult) []IPGroup {
	index := make(map[string]int)
	var groups []IPGroup

	for _, r := range results {
		ip := r.Outcome.IP
		if ip == "" {
			ip = UnknownIP
		}
		i, ok := index[ip]
		if !ok {
			i = len(groups)
			index[ip] = i
			groups = append(groups, IPGroup{IP: ip})
		}
		groups[i].Domains = append(groups[i].Domains, r)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Count() != groups[j].Count() {
			return groups[i].Count() > groups[j].Count()
		}
		return groups[i].IP < groups[j].IP
	})

	return groups
}

func Summarize(results []ScanResult) Summary {
	summary := Summary{
		Total:        len(results),
		StatusCounts: make(map[int]int),
		ErrorCounts:  make(map[ErrorKind]int),
	}

	ips := make(map[string]struct{})
	for _, r := range results {
		if r.Redirected {
			summary.Redirected++
		}
		if r.Outcome.Failed() {
			summary.Failed++
			summary.ErrorCounts[r.Outcome.Error]++
		} else {
			summary.Responded++
			summary.StatusCounts[r.Outcome.StatusCode]++
		}
		if r.Outcome.IP != "" {
			ips[r.Outcome.IP] = struct{}{}
		}
	}
	summary.UniqueIPs = len(ips)

	return summary
}
