package ai

// Pricing is the price of a model in currency units per 1K tokens.
type Pricing struct {
	InputPerK  float64 `json:"input_per_k" yaml:"input_per_k"`
	OutputPerK float64 `json:"output_per_k" yaml:"output_per_k"`
}

// Cost prices a call's token usage.
func (p Pricing) Cost(u TokenUsage) float64 {
	return float64(u.Prompt)/1000*p.InputPerK + float64(u.Completion)/1000*p.OutputPerK
}

// FlatCost prices all tokens at one rate per 1K.
func FlatCost(perK float64, u TokenUsage) float64 {
	return float64(u.Total) / 1000 * perK
}
