package types

import "sort"

// SubjectCheck is the per-subject detail of a ValidationReport.
type SubjectCheck struct {
	Subject   string   `json:"subject"`
	Available bool     `json:"available"`
	Spaces    []string `json:"spaces,omitempty"` // spaces found for the task
	Reason    string   `json:"reason,omitempty"` // set when not available
}

// ValidationReport records, for one (space, task) pair, which candidate
// subjects have derivatives in the requested space.
type ValidationReport struct {
	Space             string                  `json:"space"`
	Task              string                  `json:"task"`
	SubjectsMissing   []string                `json:"subjects_missing"`
	SubjectsAvailable []string                `json:"subjects_available"`
	SpacesFound       []string                `json:"spaces_found"`
	Details           map[string]SubjectCheck `json:"details,omitempty"`
}

// IsMissing reports whether subject is listed in SubjectsMissing.
func (r ValidationReport) IsMissing(subject string) bool {
	return contains(r.SubjectsMissing, subject)
}

// IsAvailable reports whether subject is listed in SubjectsAvailable.
func (r ValidationReport) IsAvailable(subject string) bool {
	return contains(r.SubjectsAvailable, subject)
}

// Passed reports whether no candidate subject is missing.
func (r ValidationReport) Passed() bool {
	return len(r.SubjectsMissing) == 0
}

// MissingReason returns the recorded reason a subject is missing, falling
// back to ReasonSpaceNotFound.
func (r ValidationReport) MissingReason(subject string) string {
	if d, ok := r.Details[subject]; ok && d.Reason != "" {
		return d.Reason
	}
	return ReasonSpaceNotFound
}

func contains(sorted []string, v string) bool {
	i := sort.SearchStrings(sorted, v)
	return i < len(sorted) && sorted[i] == v
}

// SortedSet returns the keys of a set in ascending order. A nil or empty set
// yields an empty, non-nil slice so reports serialize as [] rather than null.
func SortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
