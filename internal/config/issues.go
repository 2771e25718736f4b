package config

import (
	"strings"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

// Issues aggregates configuration problems. It matches types.ErrConfig.
type Issues struct {
	List []string
}

func (e *Issues) Error() string {
	if len(e.List) == 0 {
		return "invalid configuration"
	}
	return "invalid configuration: " + strings.Join(e.List, "; ")
}

func (e *Issues) Unwrap() error {
	return types.ErrConfig
}

func (e *Issues) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.List = append(e.List, issue)
}

func (e *Issues) OrNil() error {
	if e == nil || len(e.List) == 0 {
		return nil
	}
	return e
}
