package enrich

import (
	"fmt"
	"regexp"

	"ticketflow/internal/domain"
)

// Content thresholds, in body characters.
const (
	// ShortBodyThreshold is the length under which a body counts as
	// under-specified for eligibility.
	ShortBodyThreshold = 500
	// LargeBodyThreshold is the length above which the score awards the
	// long-content bonus.
	LargeBodyThreshold = 1500
)

// Score point values. An estimate plus all five sections plus a long body
// totals exactly 100.
const (
	estimatePoints  = 10
	sectionPoints   = 15
	largeBodyPoints = 15
)

// sectionLabels are the recognized content sections, each matched under a
// bold-label ("**Tasks**") or markdown-heading ("## Tasks") spelling.
var sectionLabels = []string{
	"tasks",
	"acceptance criteria",
	"dependencies",
	"success metrics",
	"implementation details",
}

var sectionPatterns = compileSectionPatterns()

func compileSectionPatterns() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(sectionLabels))
	for _, label := range sectionLabels {
		out[label] = regexp.MustCompile(
			fmt.Sprintf(`(?im)(\*\*\s*%[1]s\s*:?\s*\*\*|^#{1,6}\s+%[1]s\b)`, label),
		)
	}
	return out
}

// hasSection reports whether the body contains the recognized marker for a
// section label.
func hasSection(body, label string) bool {
	re, ok := sectionPatterns[label]
	if !ok {
		return false
	}
	return re.MatchString(body)
}

// Score is the additive 0-100 completeness heuristic used to resolve
// ambiguous reconciliation timeouts. It is a pure function of the ticket's
// body and estimate; enrichment status never influences it.
func Score(t domain.Ticket) int {
	score := 0
	if t.Estimate != nil {
		score += estimatePoints
	}
	for _, label := range sectionLabels {
		if hasSection(t.Body, label) {
			score += sectionPoints
		}
	}
	if len(t.Body) > LargeBodyThreshold {
		score += largeBodyPoints
	}
	return score
}
