package pool

// Status is a point-in-time snapshot of the pool, safe to call concurrently
// with Acquire at any time. Derived on demand, never stored.
type Status struct {
	Total       int      `json:"total"`
	Valid       int      `json:"valid"`
	Invalidated []string `json:"invalidated"`
	Connected   int      `json:"connected"`
	Connecting  int      `json:"connecting"`
	Failed      int      `json:"failed"`
}

// Status returns the current snapshot. Read-only, no side effects.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Total:       p.reg.Len(),
		Valid:       p.reg.Len() - len(p.invalidated),
		Invalidated: p.invalidatedIDsLocked(),
	}
	for _, h := range p.handles {
		switch h.state {
		case StateConnected:
			st.Connected++
		case StateConnecting:
			st.Connecting++
		case StateFailed:
			st.Failed++
		}
	}
	return st
}
