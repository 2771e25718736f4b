package validator

import (
	"path/filepath"
	"strings"
)

// Entities holds the key-value pairs of a BIDS file name, e.g.
// sub-01_ses-1_task-rest_space-MNI152NLin6Asym_desc-preproc_bold.nii.gz gives
// {sub: 01, ses: 1, task: rest, space: MNI152NLin6Asym, desc: preproc}.
type Entities struct {
	Pairs  map[string]string
	Suffix string // bold, mask, T1w, ...
}

// Get returns the value of entity key, or "".
func (e Entities) Get(key string) string {
	return e.Pairs[key]
}

// ParseEntities decodes a BIDS file name. Only the name is inspected, never
// the content. Names that do not start with a sub- entity are rejected.
func ParseEntities(name string) (Entities, bool) {
	base := filepath.Base(name)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "sub-") {
		return Entities{}, false
	}

	ent := Entities{Pairs: make(map[string]string, len(parts))}
	for i, p := range parts {
		key, value, ok := strings.Cut(p, "-")
		if !ok {
			// Only the final part may lack a key.
			if i != len(parts)-1 {
				return Entities{}, false
			}
			ent.Suffix = p
			continue
		}
		if key == "" || value == "" {
			return Entities{}, false
		}
		ent.Pairs[key] = value
	}
	return ent, true
}
