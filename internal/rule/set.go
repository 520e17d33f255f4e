package rule

import (
	"fmt"

	"devproxy-go/internal/config"
)

// Set is the list of compiled rules in configuration order. Set does no
// matching itself: each rule is mounted as its own echo route, and echo's
// router sends a request to the most specific prefix, so /api/v2/x reaches
// an /api/v2 rule ahead of /api.
type Set []*Rule

// NewSet compiles every rule in cfg.
func NewSet(cfg *config.Config) (Set, error) {
	set := make(Set, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		r, err := Compile(rc)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		set = append(set, r)
	}
	return set, nil
}
