package memory

import "strings"

// DefaultPolicy implements the capture and confidence floor rules used by
// consolidation.
type DefaultPolicy struct{}

func NewDefaultPolicy() *DefaultPolicy { return &DefaultPolicy{} }

func (p *DefaultPolicy) ShouldCapture(ev Event) bool {
	if !ev.CountsTowardConsolidation() {
		return false
	}
	return len(strings.TrimSpace(ev.Content)) >= 6
}

func (p *DefaultPolicy) MinConfidence(slot string) float64 {
	switch {
	case strings.HasPrefix(slot, "identity/"), strings.HasPrefix(slot, "birth/"):
		return 0.6
	case slot == "":
		return 0.45
	default:
		return 0.5
	}
}
