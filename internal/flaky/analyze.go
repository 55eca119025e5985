package flaky

import (
	"cmp"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"testrig/internal/api"
)

// CauseType names a suspected source of flakiness.
type CauseType string

const (
	CauseTiming             CauseType = "timing"
	CauseRaceCondition      CauseType = "race-condition"
	CauseExternalDependency CauseType = "external-dependency"
	CauseRandomData         CauseType = "random-data"
	CauseUnknown            CauseType = "unknown"
)

// Cause is one suspected source of flakiness. Confidence is in [0,1].
type Cause struct {
	Type        CauseType `json:"type"`
	Confidence  float64   `json:"confidence"`
	Description string    `json:"description"`
}

// Analysis is the verdict over a set of outcomes of the same test.
type Analysis struct {
	IsFlaky     bool    `json:"isFlaky"`
	TotalRuns   int     `json:"totalRuns"`
	Failures    int     `json:"failures"`
	FailureRate float64 `json:"failureRate"`
	Causes      []Cause `json:"causes"`
	Confidence  float64 `json:"confidence"`
}

// unknownConfidence is reported when a test is flaky but no classifier matched.
const unknownConfidence = 0.5

var (
	timeoutPattern = regexp.MustCompile(`(?i)timed?\s*out|timeout|deadline exceeded`)
	gatewayPattern = regexp.MustCompile(`\b50[234]\b`)
)

var (
	raceKeywords = []string{
		"race", "concurrent", "parallel", "deadlock", "already", "not ready", "still processing",
	}
	externalKeywords = []string{
		"network", "connection", "econnrefused", "enotfound", "timeout", "fetch", "http", "api",
		"service unavailable",
	}
	randomKeywords = []string{
		"random", "math.random", "uuid", "date.now", "timestamp",
	}
)

// AnalyzeFlakiness decides whether outcomes of one test disagree and, if so,
// which causes are likely. A test is flaky when more than one distinct status
// was observed. Every matching classifier contributes a cause with confidence
// matchingRuns/totalRuns; a flaky test without matches gets an unknown cause.
func AnalyzeFlakiness(outcomes []api.TestOutcome) Analysis {
	n := len(outcomes)
	a := Analysis{TotalRuns: n, Causes: []Cause{}}
	if n == 0 {
		return a
	}

	statuses := make(map[api.TestStatus]bool)
	for _, o := range outcomes {
		statuses[o.Status] = true
		if o.Status == api.StatusFailed {
			a.Failures++
		}
	}
	a.FailureRate = float64(a.Failures) / float64(n)
	a.IsFlaky = len(statuses) > 1
	if !a.IsFlaky {
		return a
	}

	if c, ok := classifyTiming(outcomes); ok {
		a.Causes = append(a.Causes, c)
	}
	if c, ok := classifyKeywords(outcomes, CauseRaceCondition, raceKeywords, "Errors mention concurrent access or ordering"); ok {
		a.Causes = append(a.Causes, c)
	}
	if c, ok := classifyKeywords(outcomes, CauseExternalDependency, externalKeywords, "Errors mention network or service access", gatewayPattern); ok {
		a.Causes = append(a.Causes, c)
	}
	if c, ok := classifyKeywords(outcomes, CauseRandomData, randomKeywords, "Errors mention random or time-dependent data"); ok {
		a.Causes = append(a.Causes, c)
	}
	if len(a.Causes) == 0 {
		a.Causes = append(a.Causes, Cause{
			Type:        CauseUnknown,
			Confidence:  unknownConfidence,
			Description: "Results differ between runs but the errors match no known pattern",
		})
	}

	slices.SortStableFunc(a.Causes, func(x, y Cause) int {
		return cmp.Compare(y.Confidence, x.Confidence)
	})
	for _, c := range a.Causes {
		a.Confidence = max(a.Confidence, c.Confidence)
	}
	return a
}

// classifyTiming matches timeout errors first and falls back to duration
// variance: a standard deviation above half the mean. Synthetic outcomes
// carry the wall time of a whole run and stay out of the variance check.
func classifyTiming(outcomes []api.TestOutcome) (Cause, bool) {
	n := float64(len(outcomes))

	matches := 0
	for _, o := range outcomes {
		if o.Error != nil && timeoutPattern.MatchString(o.Error.Message) {
			matches++
		}
	}
	if matches > 0 {
		return Cause{
			Type:        CauseTiming,
			Confidence:  float64(matches) / n,
			Description: fmt.Sprintf("%d of %d runs failed with a timeout", matches, len(outcomes)),
		}, true
	}

	measured := slices.DeleteFunc(slices.Clone(outcomes), isSynthetic)
	mean, stddev := durationStats(measured)
	if mean <= 0 || stddev <= 0.5*mean {
		return Cause{}, false
	}

	deviating := 0
	for _, o := range measured {
		if math.Abs(float64(o.Duration)-mean) > stddev {
			deviating++
		}
	}
	return Cause{
		Type:       CauseTiming,
		Confidence: max(float64(deviating), 1) / n,
		Description: fmt.Sprintf("Durations vary widely (mean %s, standard deviation %s)",
			time.Duration(mean).Round(time.Millisecond), time.Duration(stddev).Round(time.Millisecond)),
	}, true
}

func isSynthetic(o api.TestOutcome) bool {
	return slices.Contains(o.Tags, syntheticTag)
}

func classifyKeywords(outcomes []api.TestOutcome, t CauseType, keywords []string, description string, patterns ...*regexp.Regexp) (Cause, bool) {
	matches := 0
	for _, o := range outcomes {
		if o.Error == nil {
			continue
		}
		text := strings.ToLower(o.Error.Message + "\n" + o.Error.Stack)
		if slices.ContainsFunc(keywords, func(k string) bool { return strings.Contains(text, k) }) ||
			slices.ContainsFunc(patterns, func(p *regexp.Regexp) bool { return p.MatchString(text) }) {
			matches++
		}
	}
	if matches == 0 {
		return Cause{}, false
	}
	return Cause{
		Type:        t,
		Confidence:  float64(matches) / float64(len(outcomes)),
		Description: fmt.Sprintf("%s (%d of %d runs)", description, matches, len(outcomes)),
	}, true
}

// durationStats returns the mean and population standard deviation of the
// outcome durations in nanoseconds.
func durationStats(outcomes []api.TestOutcome) (mean, stddev float64) {
	if len(outcomes) == 0 {
		return 0, 0
	}
	var sum float64
	for _, o := range outcomes {
		sum += float64(o.Duration)
	}
	mean = sum / float64(len(outcomes))

	var sq float64
	for _, o := range outcomes {
		d := float64(o.Duration) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(outcomes)))
}
