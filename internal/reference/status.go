package reference

import "strings"

const (
	StatusAllotted    = "ALLOTTED"
	StatusAvailable   = "AVAILABLE"
	StatusCancelled   = "CANCELLED"
	StatusDisputed    = "DISPUTED"
	StatusUnderReview = "UNDER_REVIEW"
)

// NormalizeStatus maps the free-text status values found in the layers and
// registers onto the canonical set. Empty input stays empty; anything
// unrecognised is UNDER_REVIEW.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	switch {
	case strings.Contains(s, "cancel"), strings.Contains(s, "revoked"), strings.Contains(s, "resum"):
		return StatusCancelled
	case strings.Contains(s, "disput"), strings.Contains(s, "court"), strings.Contains(s, "litigation"):
		return StatusDisputed
	case strings.Contains(s, "unallot"), strings.Contains(s, "not allot"), strings.Contains(s, "vacant"),
		strings.Contains(s, "available"), strings.Contains(s, "free"):
		return StatusAvailable
	case strings.Contains(s, "allot"), strings.Contains(s, "lease"), strings.Contains(s, "occupied"):
		return StatusAllotted
	}
	return StatusUnderReview
}
