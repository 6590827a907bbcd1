package models

// Band is the complexity band an agent is reserved for. It anchors the
// router's affinity curve on the 0..1 complexity scale.
type Band string

const (
	// BandLight is for quick, low-complexity work.
	BandLight Band = "light"
	// BandStandard is for typical implementation work.
	BandStandard Band = "standard"
	// BandHeavy is for long, high-complexity work.
	BandHeavy Band = "heavy"
)

// Valid returns true if the band is a known value.
func (b Band) Valid() bool {
	switch b {
	case BandLight, BandStandard, BandHeavy:
		return true
	default:
		return false
	}
}

// Center returns the band's anchor point on the 0..1 complexity scale.
// Unknown bands anchor at the standard center.
func (b Band) Center() float64 {
	switch b {
	case BandLight:
		return 0.2
	case BandHeavy:
		return 0.85
	default:
		return 0.5
	}
}
