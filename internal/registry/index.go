package registry

import (
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
)

// indexes holds the secondary lookup maps. All mutation happens under the
// registry write lock, in the same critical section as the primary write,
// so an index can never reference a strategy the store does not hold.
type indexes struct {
	byDomain     map[string][]strategy.Ref
	byTag        map[string][]strategy.Ref
	byComplexity map[strategy.ComplexityTier][]strategy.Ref
}

func newIndexes() *indexes {
	return &indexes{
		byDomain:     make(map[string][]strategy.Ref),
		byTag:        make(map[string][]strategy.Ref),
		byComplexity: make(map[strategy.ComplexityTier][]strategy.Ref),
	}
}

// add inserts the strategy's ref into every dimension it belongs to.
// O(1) amortized per dimension.
func (ix *indexes) add(s *strategy.Strategy) {
	ref := s.Ref()
	if d := s.Metadata.Domain; d != "" {
		ix.byDomain[d] = append(ix.byDomain[d], ref)
	}
	for _, tag := range s.Metadata.Tags {
		ix.byTag[tag] = append(ix.byTag[tag], ref)
	}
	if c := s.Metadata.Complexity; c.Valid() {
		ix.byComplexity[c] = append(ix.byComplexity[c], ref)
	}
}

// remove deletes the strategy's ref from every dimension.
func (ix *indexes) remove(s *strategy.Strategy) {
	ref := s.Ref()
	if d := s.Metadata.Domain; d != "" {
		ix.byDomain[d] = dropRef(ix.byDomain[d], ref)
		if len(ix.byDomain[d]) == 0 {
			delete(ix.byDomain, d)
		}
	}
	for _, tag := range s.Metadata.Tags {
		ix.byTag[tag] = dropRef(ix.byTag[tag], ref)
		if len(ix.byTag[tag]) == 0 {
			delete(ix.byTag, tag)
		}
	}
	if c := s.Metadata.Complexity; c.Valid() {
		ix.byComplexity[c] = dropRef(ix.byComplexity[c], ref)
		if len(ix.byComplexity[c]) == 0 {
			delete(ix.byComplexity, c)
		}
	}
}

func dropRef(refs []strategy.Ref, ref strategy.Ref) []strategy.Ref {
	for i, r := range refs {
		if r == ref {
			return append(refs[:i], refs[i+1:]...)
		}
	}
	return refs
}
