package harness

// StepResult is what one step did. It is the unit of the golden trace, so
// it carries only deterministic fields.
type StepResult struct {
	Op string `json:"op"`
	Tx string `json:"tx,omitempty"`
	// Code is the error code the step failed with, empty on success.
	Code  string `json:"code,omitempty"`
	Phase string `json:"phase,omitempty"`
	// Events are the types appended to the edge log by the step and by
	// every component reacting to it, in chain order.
	Events []string `json:"events,omitempty"`
	// Alerts are "<severity>/<category>" for alerts raised during the step.
	Alerts []string `json:"alerts,omitempty"`
	// Abandoned lists transactions a sweep discarded.
	Abandoned []string `json:"abandoned,omitempty"`
	Lockdown  bool     `json:"lockdown,omitempty"`
}

// Trace is the full deterministic record of a scenario run.
type Trace struct {
	Scenario string       `json:"scenario"`
	Steps    []StepResult `json:"steps"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace Trace `json:"trace"`

	// Errors describes every failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result for the named scenario.
func NewResult(name string) *Result {
	return &Result{
		Pass:   true,
		Trace:  Trace{Scenario: name, Steps: []StepResult{}},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// EventTypes flattens the event types of every step, in order.
func (t Trace) EventTypes() []string {
	var out []string
	for _, s := range t.Steps {
		out = append(out, s.Events...)
	}
	return out
}
