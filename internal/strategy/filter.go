package strategy

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter keeps strategies whose id matches at least one include pattern
// (all when include is empty) and no exclude pattern. Patterns use
// doublestar syntax, so "magisk-*" and "{adb,fastboot}-**" both work.
func Filter(list []*Strategy, include, exclude []string) ([]*Strategy, error) {
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("strategy: invalid pattern %q", p)
		}
	}

	out := make([]*Strategy, 0, len(list))
	for _, s := range list {
		if len(include) > 0 && !matchAny(include, s.ID) {
			continue
		}
		if matchAny(exclude, s.ID) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func matchAny(patterns []string, id string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, id); ok {
			return true
		}
	}
	return false
}
