package harness

// TraceEvent records how the engine admitted one delivered envelope.
type TraceEvent struct {
	Step int `json:"step"`
	// TopicKind is identity, group or welcome.
	TopicKind string `json:"topic_kind"`
	// Target is the scenario name of the inbox, or the group id.
	Target  string `json:"target"`
	Cursor  string `json:"cursor"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists one event per delivered envelope, in delivery order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	Errors []string `json:"errors,omitempty"`

	// Digests maps inbox names to the digest of their stored snapshot.
	// Inboxes without a snapshot are absent.
	Digests map[string]string `json:"digests,omitempty"`

	// Groups maps group ids to "epoch=N active=B installations=K" summaries.
	Groups map[string]string `json:"groups,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Digests: map[string]string{},
		Groups:  map[string]string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
