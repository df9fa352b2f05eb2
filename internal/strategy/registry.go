// Package strategy maps acquisition strategies to the components that implement them.
package strategy

import (
	"fmt"
	"sort"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// Source bundles everything the pagination loop needs for one strategy.
type Source struct {
	Strategy scraper.Strategy
	Fetcher  scraper.Fetcher
	Parser   scraper.PageParser
	Limiter  scraper.Limiter
	MaxPages int
	// Ready reports whether the strategy can run; nil means always ready.
	Ready func() error
}

// Registry is an immutable lookup of configured sources.
type Registry struct {
	sources map[scraper.Strategy]Source
}

// NewRegistry indexes sources by strategy. Later duplicates replace earlier ones.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[scraper.Strategy]Source, len(sources))}
	for _, s := range sources {
		r.sources[s.Strategy] = s
	}
	return r
}

// Source returns the source registered for s.
func (r *Registry) Source(s scraper.Strategy) (Source, error) {
	src, ok := r.sources[s]
	if !ok {
		return Source{}, fmt.Errorf("strategy %q is not configured: %w", s, scraper.ErrConfiguration)
	}
	return src, nil
}

// Ready reports whether s is registered and its prerequisites are met.
func (r *Registry) Ready(s scraper.Strategy) error {
	src, err := r.Source(s)
	if err != nil {
		return err
	}
	if src.Ready == nil {
		return nil
	}
	if err := src.Ready(); err != nil {
		return fmt.Errorf("strategy %q not ready: %w", s, err)
	}
	return nil
}

// Strategies lists the registered strategies in sorted order.
func (r *Registry) Strategies() []scraper.Strategy {
	out := make([]scraper.Strategy, 0, len(r.sources))
	for s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
