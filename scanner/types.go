package scanner

import "time"

type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// Target is a canonical request target built by Normalize. It is never mutated.
type Target struct {
	Raw    string `json:"raw"`
	Scheme Scheme `json:"scheme"`
	Host   string `json:"host"`
	URL    string `json:"url"`
}

// FetchOutcome is the result of one Fetch call. For a terminal attempt
// exactly one of StatusCode or Error is set.
type FetchOutcome struct {
	Target        Target        `json:"target"`
	StatusCode    int           `json:"status_code,omitempty"`
	Title         string        `json:"title,omitempty"`
	ContentLength int64         `json:"content_length"`
	IP            string        `json:"ip,omitempty"`
	RedirectedTo  *Target       `json:"redirected_to,omitempty"`
	Error         ErrorKind     `json:"error,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

func (o FetchOutcome) Failed() bool {
	return o.Error != ""
}

// ScanResult is the final record for one input target.
type ScanResult struct {
	Target     Target       `json:"target"`
	Outcome    FetchOutcome `json:"outcome"`
	Redirected bool         `json:"redirected"`
}

// FinalURL is the URL of the last attempt made for the target.
func (r ScanResult) FinalURL() string {
	if r.Outcome.RedirectedTo != nil {
		return r.Outcome.RedirectedTo.URL
	}
	return r.Target.URL
}

// IPGroup is a view over results sharing a resolved IP.
type IPGroup struct {
	IP      string       `json:"ip"`
	CDN     string       `json:"cdn,omitempty"`
	Domains []ScanResult `json:"domains"`
}

func (g IPGroup) Count() int {
	return len(g.Domains)
}

// Summary counts results. Responded is every target that got an HTTP
// response, whatever its status; Failed is every target with an ErrorKind.
type Summary struct {
	Total        int               `json:"total"`
	Responded    int               `json:"responded"`
	Failed       int               `json:"failed"`
	Redirected   int               `json:"redirected"`
	UniqueIPs    int               `json:"unique_ips"`
	StatusCounts map[int]int       `json:"status_counts"`
	ErrorCounts  map[ErrorKind]int `json:"error_counts"`
}
