package detect

import (
	"math"
	"strconv"
	"strings"

	"github.com/decoyhq/mirage/internal/history"
	"github.com/decoyhq/mirage/internal/request"
)

// rateBucketSeconds is the trailing window the sustained-rate signal is
// computed over.
const rateBucketSeconds = 60.0

// TimingProfile summarizes the inter-arrival behavior of a history window.
type TimingProfile struct {
	// CV is the coefficient of variation of inter-arrival intervals.
	// Machines hold it near zero; humans cannot.
	CV float64

	// RatePerSecond is the observed request rate inside the trailing
	// 60 second bucket, measured over the bucket's actual span.
	RatePerSecond float64

	// Intervals is how many inter-arrival samples the CV covers.
	Intervals int

	// BucketCount is how many entries fell inside the trailing bucket.
	BucketCount int
}

// ComputeTiming derives the timing profile from a snapshot's entries. If
// maxIntervals is positive, only the most recent maxIntervals inter-arrival
// samples feed the CV. Timestamps are taken as supplied; the wall clock is
// never consulted, so the profile is a pure function of the snapshot.
func ComputeTiming(entries []history.Entry, maxIntervals int) TimingProfile {
	var p TimingProfile
	if len(entries) < 2 {
		return p
	}

	intervals := make([]float64, 0, len(entries)-1)
	for i := 1; i < len(entries); i++ {
		intervals = append(intervals, entries[i].Timestamp-entries[i-1].Timestamp)
	}
	if maxIntervals > 0 && len(intervals) > maxIntervals {
		intervals = intervals[len(intervals)-maxIntervals:]
	}
	p.Intervals = len(intervals)

	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean > 0 {
		variance := 0.0
		for _, v := range intervals {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(intervals))
		p.CV = math.Sqrt(variance) / mean
	}
	// mean <= 0 leaves CV at 0: identical timestamps are the most
	// machine-regular sequence there is

	newest := entries[len(entries)-1].Timestamp
	first := -1
	for i, e := range entries {
		if newest-e.Timestamp <= rateBucketSeconds {
			first = i
			break
		}
	}
	if first >= 0 {
		p.BucketCount = len(entries) - first
		if p.BucketCount >= 2 {
			span := newest - entries[first].Timestamp
			if span < 0.05 {
				span = 0.05
			}
			p.RatePerSecond = float64(p.BucketCount-1) / span
		}
	}
	return p
}

// LongestEnumerationRun finds the longest arithmetic progression walked by
// the client: trailing integer path segments (/api/users/17, /18, /19...)
// or numeric parameter values (page=1,2,3...) advancing by a constant
// non-zero step. Returns the run length and the key that produced it.
func LongestEnumerationRun(entries []history.Entry) (int, string) {
	type seq struct {
		values []int64
	}
	sequences := make(map[string]*seq)
	order := make([]string, 0, 8)

	observe := func(key string, v int64) {
		s, ok := sequences[key]
		if !ok {
			s = &seq{}
			sequences[key] = s
			order = append(order, key)
		}
		s.values = append(s.values, v)
	}

	for _, e := range entries {
		path, query := splitEndpoint(e.Endpoint)
		if prefix, n, ok := trailingInt(path); ok {
			observe("path:"+prefix, n)
		}
		for _, p := range request.ParseQuery(query) {
			if n, err := strconv.ParseInt(p.Value, 10, 64); err == nil {
				observe("param:"+path+"?"+p.Key, n)
			}
		}
	}

	bestRun, bestKey := 0, ""
	for _, key := range order {
		if run := longestArithmeticRun(sequences[key].values); run > bestRun {
			bestRun, bestKey = run, key
		}
	}
	return bestRun, bestKey
}

// longestArithmeticRun returns the length of the longest stretch of
// consecutive values advancing by one constant non-zero delta.
func longestArithmeticRun(values []int64) int {
	if len(values) < 2 {
		return 0
	}
	best, run := 1, 1
	var delta int64
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d != 0 && run > 1 && d == delta {
			run++
		} else if d != 0 {
			delta = d
			run = 2
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// ParamValueSweeps counts distinct values per parameter name across the
// window. Sweep checks compare these counts against their bars; the map
// size doubles as the distinct-parameter count for extraction detection.
func ParamValueSweeps(entries []history.Entry) map[string]int {
	values := make(map[string]map[string]struct{})
	for _, e := range entries {
		_, query := splitEndpoint(e.Endpoint)
		for _, p := range request.ParseQuery(query) {
			set, ok := values[p.Key]
			if !ok {
				set = make(map[string]struct{})
				values[p.Key] = set
			}
			set[p.Value] = struct{}{}
		}
	}
	counts := make(map[string]int, len(values))
	for name, set := range values {
		counts[name] = len(set)
	}
	return counts
}

// HashRatios reports how repetitive the window's content is: the share of
// distinct content hashes and its complement.
func HashRatios(entries []history.Entry) (uniqueRatio, duplicateRatio float64) {
	if len(entries) == 0 {
		return 0, 0
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.ContentHash] = struct{}{}
	}
	uniqueRatio = float64(len(seen)) / float64(len(entries))
	return uniqueRatio, 1 - uniqueRatio
}

func splitEndpoint(endpoint string) (path, query string) {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i], endpoint[i+1:]
	}
	return endpoint, ""
}

// trailingInt splits "/api/users/1337" into ("/api/users/", 1337). Paths
// without a numeric final segment return ok=false.
func trailingInt(path string) (prefix string, n int64, ok bool) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 || i == len(path)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(path[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return path[:i+1], n, true
}
