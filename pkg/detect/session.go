package detect

type entry struct {
	name     string
	d        Detector
	min      int
	rejected bool
	asked    int
}

// Session is the per-connection classification state.
type Session struct {
	windowCap int
	entries   []*entry
}

// Classify feeds window to the still-undecided detectors, highest priority
// first. Detectors whose minimum exceeds the window are skipped without
// being asked. The first match wins and lower detectors are not asked.
func (s *Session) Classify(window []byte) Decision {
	live := 0
	for _, e := range s.entries {
		if e.rejected {
			continue
		}
		live++
		if len(window) < e.min {
			continue
		}
		e.asked++
		switch e.d.Match(window) {
		case Match:
			return Decision{State: Matched, Name: e.name, Detector: e.d}
		case Reject:
			e.rejected = true
			live--
		}
	}
	if live == 0 || len(window) >= s.windowCap {
		return Decision{State: Rejected}
	}
	return Decision{State: Undecided}
}

// Pending returns the names of detectors that have not rejected yet.
func (s *Session) Pending() []string {
	var out []string
	for _, e := range s.entries {
		if !e.rejected {
			out = append(out, e.name)
		}
	}
	return out
}

// Asked returns how many times the named detector's predicate ran.
func (s *Session) Asked(name string) int {
	for _, e := range s.entries {
		if e.name == name {
			return e.asked
		}
	}
	return 0
}
