package journal

type PolicyKind uint8

const (
	PolicyDefault PolicyKind = iota
	PolicyNever
)

// CompactPolicy decides when the journal rewrites itself without the groups
// already covered by an index checkpoint.
type CompactPolicy struct {
	Kind PolicyKind
	// MinBlocks: never compact a journal smaller than this.
	MinBlocks uint64
	// ObsoleteRatio: compact once this share of the blocks is obsolete.
	ObsoleteRatio float64
	// MaxBlocks: compact any journal this large that has obsolete blocks.
	MaxBlocks uint64
}

func DefaultCompactPolicy() CompactPolicy {
	return CompactPolicy{
		Kind:          PolicyDefault,
		MinBlocks:     64,
		ObsoleteRatio: 0.5,
		MaxBlocks:     4096,
	}
}

func NeverCompactPolicy() CompactPolicy {
	return CompactPolicy{Kind: PolicyNever}
}

func (p CompactPolicy) ShouldCompact(m Meta) bool {
	switch p.Kind {
	case PolicyNever:
		return false
	default:
		if m.State != StateActive || m.TotalBlocks < p.MinBlocks {
			return false
		}
		obsolete := m.TotalBlocks - m.LiveBlocks
		if obsolete == 0 {
			return false
		}
		return float64(obsolete) >= p.ObsoleteRatio*float64(m.TotalBlocks) || m.TotalBlocks >= p.MaxBlocks
	}
}
