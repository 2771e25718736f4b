// Package selector resolves which subjects a batch runs over.
//
// An explicit list from the configuration is used verbatim (order kept).
// Without one, subjects are discovered from the sub-* directories of the
// preprocessed derivatives root, sorted. Pilot mode narrows either list to a
// single subject picked uniformly at random.
package selector

import (
	"math/rand"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/ChuLiYu/bidspm-batch/internal/config"
	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

const subjectPrefix = "sub-"

// BIDS labels are alphanumeric. Anything else would change the meaning of
// the tool's --participant_label argument or of the unit key.
var labelPattern = regexp.MustCompile(`^[0-9A-Za-z]+$`)

// Resolve returns the ordered subject set for cfg. rng is used only in pilot
// mode; nil means a time-seeded source.
func Resolve(cfg *config.Config, rng *rand.Rand) ([]string, error) {
	var subjects []string
	if len(cfg.Subjects) > 0 {
		var err error
		if subjects, err = Explicit(cfg.Subjects); err != nil {
			return nil, err
		}
	} else {
		var err error
		if subjects, err = Discover(cfg.PreprocDir); err != nil {
			return nil, err
		}
	}
	if cfg.Pilot {
		return Pilot(subjects, rng), nil
	}
	return subjects, nil
}

// Explicit normalizes a configured list: the sub- prefix is stripped, and
// duplicates and non-alphanumeric labels are rejected.
func Explicit(list []string) ([]string, error) {
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		id := strings.TrimPrefix(strings.TrimSpace(s), subjectPrefix)
		if id == "" {
			return nil, types.ConfigErrorf("empty subject label in %q", list)
		}
		if !labelPattern.MatchString(id) {
			return nil, types.ConfigErrorf("subject label %q is not alphanumeric", id)
		}
		if seen[id] {
			return nil, types.ConfigErrorf("subject %q listed twice", id)
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// Discover lists the subject labels under root in ascending order.
// Directories whose label is not a valid BIDS label are ignored.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, types.ValidationErrorf("discover subjects in %s: %v", root, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), subjectPrefix) {
			continue
		}
		if id := strings.TrimPrefix(e.Name(), subjectPrefix); labelPattern.MatchString(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Pilot returns a one-element list drawn uniformly from subjects, or nil
// when subjects is empty.
func Pilot(subjects []string, rng *rand.Rand) []string {
	if len(subjects) == 0 {
		return nil
	}
	var i int
	if rng != nil {
		i = rng.Intn(len(subjects))
	} else {
		i = rand.Intn(len(subjects))
	}
	return []string{subjects[i]}
}
