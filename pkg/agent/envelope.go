package agent

import "encoding/json"

// resultEnvelope is the well-delimited JSON object a collaborator
// subprocess may print on its terminal output line to report how it
// finished, instead of relying on the worker to infer that from the exit
// code alone.
type resultEnvelope struct {
	Outcome      string  `json:"outcome"` // "success" | "failure"
	Retryable    bool    `json:"retryable"`
	PlanRef      string  `json:"plan_ref"`
	PRRef        string  `json:"pr_ref"`
	NextStage    string  `json:"next_stage"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	MonetaryCost float64 `json:"monetary_cost"`
}

// scanForEnvelope looks for a result envelope among the last lines of
// captured subprocess output, scanning from the bottom since a
// well-behaved subprocess prints it as its final line. Returns ok=false
// if no line in tail parses as an envelope with a recognized outcome.
func scanForEnvelope(tail []string) (resultEnvelope, bool) {
	for i := len(tail) - 1; i >= 0; i-- {
		var env resultEnvelope
		if err := json.Unmarshal([]byte(tail[i]), &env); err != nil {
			continue
		}
		if env.Outcome == "success" || env.Outcome == "failure" {
			return env, true
		}
	}
	return resultEnvelope{}, false
}
