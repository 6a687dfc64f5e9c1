// Package category buckets memory text into coarse topics by keyword.
package category

import (
	"sort"
	"strings"
)

// Label is a topic bucket.
type Label string

const (
	Technical     Label = "technical"
	UserRelated   Label = "user-related"
	Issues        Label = "issues"
	Configuration Label = "configuration"
)

// order fixes the evaluation order so Classify output is deterministic.
var order = []Label{Technical, UserRelated, Issues, Configuration}

var keywordBuckets = map[Label][]string{
	Technical:     {"code", "function", "api", "programming", "script"},
	UserRelated:   {"user", "customer", "person", "profile"},
	Issues:        {"error", "bug", "issue", "problem"},
	Configuration: {"config", "setup", "install", "deploy"},
}

// Classify returns every bucket with at least one keyword occurring in text.
// Matching is case-insensitive substring matching, so "configuration"
// counts for Configuration.
func Classify(text string) []Label {
	normalized := strings.ToLower(text)
	if strings.TrimSpace(normalized) == "" {
		return nil
	}

	var labels []Label
	for _, label := range order {
		for _, word := range keywordBuckets[label] {
			if strings.Contains(normalized, word) {
				labels = append(labels, label)
				break
			}
		}
	}
	return labels
}

// Distribution counts, per bucket, how many texts fall into it.
type Distribution map[Label]int

// Tally classifies every text.
func Tally(texts []string) Distribution {
	dist := make(Distribution)
	for _, text := range texts {
		for _, label := range Classify(text) {
			dist[label]++
		}
	}
	return dist
}

// Labels returns the buckets present, sorted by name.
func (d Distribution) Labels() []Label {
	labels := make([]Label, 0, len(d))
	for label := range d {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

// MostCommon returns the bucket with the highest count, ties broken by
// name. ok is false for an empty distribution.
func (d Distribution) MostCommon() (Label, bool) {
	var (
		best  Label
		count int
	)
	for _, label := range d.Labels() {
		if d[label] > count {
			best, count = label, d[label]
		}
	}
	return best, count > 0
}
