// Package synth turns natural language questions into candidate SQL via a
// model provider. Its output is a proposal only; nothing it produces runs
// before the policy validator has passed it.
package synth

import "fmt"

// GeneratedQuery is the structured synthesis result.
type GeneratedQuery struct {
	Statement   string   `json:"statement"`
	Explanation string   `json:"explanation"`
	Tables      []string `json:"tables"`
	Databases   []string `json:"databases"`
	IsReadOnly  bool     `json:"is_read_only"`
	TokensUsed  int      `json:"-"`
}

// SynthesisError reports a model response the synthesizer refused to accept.
// Raw carries the offending output for logs, never for API responses.
type SynthesisError struct {
	Reason string
	Raw    string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis rejected: %s", e.Reason)
}
