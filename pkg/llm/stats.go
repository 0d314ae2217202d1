package llm

// Stats summarizes one generation pass. TokenCount is an
// approximation: streaming counts delta events, non-streaming uses
// server usage counters or a character-length estimate.
type Stats struct {
	TokenCount      int     `json:"token_count"`
	Duration        float64 `json:"duration"` // seconds
	TokensPerSecond float64 `json:"tokens_per_second"`
}
