package protocol

// Model constants for routing.
const (
	ModelOpus   = "claude-opus-4-1-20250805"
	ModelSonnet = "claude-sonnet-4-5-20250929"
	ModelHaiku  = "claude-haiku-4-5-20251001"
)

// DefaultModel is used when neither a story nor a spawn request names one.
const DefaultModel = ModelSonnet

// ModelInfo holds published per-million-token rates for one model.
type ModelInfo struct {
	ID            string  `json:"id"`
	InputPerMTok  float64 `json:"input_per_mtok"`  // USD per 1M input tokens
	OutputPerMTok float64 `json:"output_per_mtok"` // USD per 1M output tokens
}

// modelCatalog maps model id to pricing. Unknown models price at zero so a
// vendor-side model rename never turns into an engine fault.
var modelCatalog = map[string]ModelInfo{
	ModelOpus:   {ID: ModelOpus, InputPerMTok: 15, OutputPerMTok: 75},
	ModelSonnet: {ID: ModelSonnet, InputPerMTok: 3, OutputPerMTok: 15},
	ModelHaiku:  {ID: ModelHaiku, InputPerMTok: 1, OutputPerMTok: 5},
}

// LookupModel returns pricing info for a model id.
func LookupModel(id string) (ModelInfo, bool) {
	m, ok := modelCatalog[id]
	return m, ok
}

// Cost prices a turn's token usage against a model's published rates.
func Cost(model string, u Usage) float64 {
	m, ok := modelCatalog[model]
	if !ok {
		return 0
	}
	return float64(u.InputTokens)*m.InputPerMTok/1e6 + float64(u.OutputTokens)*m.OutputPerMTok/1e6
}

// Complexity buckets a story's expected difficulty.
type Complexity string

// Complexity constants.
const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// ModelForComplexity maps a complexity bucket to a model: low gets the
// cheapest, high the most capable. Unknown buckets fall back to DefaultModel.
func ModelForComplexity(c Complexity) string {
	switch c {
	case ComplexityLow:
		return ModelHaiku
	case ComplexityMedium:
		return ModelSonnet
	case ComplexityHigh:
		return ModelOpus
	default:
		return DefaultModel
	}
}

// ExpectedTokens is the per-iteration token heuristic used by the PRD cost
// estimator. Numbers are rough per-bucket midpoints, not a guarantee.
func ExpectedTokens(c Complexity) Usage {
	switch c {
	case ComplexityLow:
		return Usage{InputTokens: 20_000, OutputTokens: 5_000}
	case ComplexityHigh:
		return Usage{InputTokens: 120_000, OutputTokens: 30_000}
	default:
		return Usage{InputTokens: 60_000, OutputTokens: 15_000}
	}
}
