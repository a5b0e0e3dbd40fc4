package relay

import "fmt"

// Leg names used in errors, logs, spans and metrics.
const (
	LegReasoning = "reasoning"
	LegAnswer    = "answer"
)

// ProviderStreamError reports that a leg's upstream call failed to start or
// failed mid-stream.
type ProviderStreamError struct {
	Leg   string
	Model string
	Err   error
}

func (e *ProviderStreamError) Error() string {
	return fmt.Sprintf("%s leg (%s): %v", e.Leg, e.Model, e.Err)
}

func (e *ProviderStreamError) Unwrap() error {
	return e.Err
}
