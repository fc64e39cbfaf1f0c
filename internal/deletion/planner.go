// Package deletion decides which stored runs and protocols to evict so that
// creating one more resource stays within the configured maxima.
package deletion

// ProtocolUsage is one stored protocol and whether any run references it.
type ProtocolUsage struct {
	ProtocolID  string
	IsUsedByRun bool
}

// PlanForNewProtocol returns the ids of the oldest unused protocols that must
// be deleted so that one more unused protocol fits under maxUnused.
// existing must be ordered oldest first. Protocols referenced by a run are
// never candidates. maxUnused below 1 is treated as 1.
func PlanForNewProtocol(existing []ProtocolUsage, maxUnused int) []string {
	if maxUnused < 1 {
		maxUnused = 1
	}

	unused := make([]string, 0, len(existing))
	for _, p := range existing {
		if !p.IsUsedByRun {
			unused = append(unused, p.ProtocolID)
		}
	}

	excess := len(unused) + 1 - maxUnused
	if excess <= 0 {
		return nil
	}
	return unused[:excess]
}

// PlanForNewRun returns the oldest run ids to delete so that one more run
// fits under maxRuns. existing must be ordered oldest first.
func PlanForNewRun(existing []string, maxRuns int) []string {
	if maxRuns < 1 {
		maxRuns = 1
	}

	excess := len(existing) + 1 - maxRuns
	if excess <= 0 {
		return nil
	}
	out := make([]string, excess)
	copy(out, existing[:excess])
	return out
}
