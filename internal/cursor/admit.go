package cursor

// Outcome is the result of admitting an envelope.
type Outcome int

const (
	// Ready: every dependency is met and the envelope is next in sequence.
	Ready Outcome = iota
	// Blocked: at least one dependency is unmet; see Admission.Missing.
	Blocked
	// Duplicate: the envelope's position was already applied.
	Duplicate
	// Invalid: the envelope depends on its own originator at or past its own
	// position, so no cursor can ever admit it.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Blocked:
		return "blocked"
	case Duplicate:
		return "duplicate"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Admission is the decision for one envelope. Missing is set only when the
// outcome is Blocked and lists exactly the unmet (originator, sequence) pairs.
type Admission struct {
	Outcome Outcome
	Missing GlobalCursor
}

// Admit decides whether an envelope at c with dependencies dependsOn can be
// applied on top of local. It is a pure function and never blocks.
//
// A gap in c's own originator is reported as the next sequence id needed
// from it, local[c.OriginatorID]+1.
func Admit(local GlobalCursor, c Cursor, dependsOn GlobalCursor) Admission {
	own := local.Get(c.OriginatorID)
	if c.SequenceID <= own {
		return Admission{Outcome: Duplicate}
	}
	if dependsOn.Get(c.OriginatorID) >= c.SequenceID {
		return Admission{Outcome: Invalid}
	}

	var missing GlobalCursor
	note := func(k uint32, v uint64) {
		if missing == nil {
			missing = GlobalCursor{}
		}
		missing[k] = v
	}
	for k, v := range dependsOn {
		if k == c.OriginatorID || local.Get(k) >= v {
			continue
		}
		note(k, v)
	}
	if c.SequenceID != own+1 || dependsOn.Get(c.OriginatorID) > own {
		note(c.OriginatorID, own+1)
	}
	if missing != nil {
		return Admission{Outcome: Blocked, Missing: missing}
	}
	return Admission{Outcome: Ready}
}

// Advance returns local after applying a Ready envelope:
// local.Merge(dependsOn).Apply(c).
func Advance(local GlobalCursor, c Cursor, dependsOn GlobalCursor) GlobalCursor {
	return local.Merge(dependsOn).Apply(c)
}
