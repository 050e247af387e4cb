package comparability

import "github.com/MrWong99/sharedspace/pkg/vector"

// Group tags of the full comparison panel.
const (
	GroupTextA   = "Text A"
	GroupTextB   = "Text B"
	GroupControl = "Control"
)

// Report is the result of one comparability run. It is built per request and
// never persisted.
type Report struct {
	ID             string         `json:"id"`
	ModelAgreement ModelAgreement `json:"modelAgreement"`
	FullComparison FullComparison `json:"fullComparison"`
	Retrieval      Retrieval      `json:"retrieval"`
	Costs          []Cost         `json:"costs"`
	Usage          Usage          `json:"usage"`
}

// ModelAgreement compares every model's embedding of text A with every other.
type ModelAgreement struct {
	Models []string      `json:"models"`
	Pairs  []vector.Pair `json:"pairs"`
	vector.Summary
	Interpretation string `json:"interpretation"`
}

// FullComparison holds the all-pairs matrix and 2D scatter over text A, text B
// and the control text embedded by every model.
type FullComparison struct {
	Labels  []string       `json:"labels"`
	Pairs   []vector.Pair  `json:"pairs"`
	Scatter []ScatterPoint `json:"scatter"`
}

// ScatterPoint is one projected embedding.
type ScatterPoint struct {
	Label string  `json:"label"`
	Group string  `json:"group"`
	Model string  `json:"model"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Retrieval is the asymmetric retrieval check: text B embedded as a query by
// the cheapest and the most expensive model, scored against text A embedded as
// a document by the most expensive model.
type Retrieval struct {
	DocumentModel       string  `json:"documentModel"`
	CheapModel          string  `json:"cheapModel"`
	ExpensiveModel      string  `json:"expensiveModel"`
	CheapSimilarity     float64 `json:"cheapSimilarity"`
	ExpensiveSimilarity float64 `json:"expensiveSimilarity"`
	QualityRetained     float64 `json:"qualityRetained"`
	CostSavings         float64 `json:"costSavings"`
	Narrative           string  `json:"narrative"`
}

// Cost is one row of the per-model cost table.
type Cost struct {
	Model                 string  `json:"model"`
	PricePerMillionTokens float64 `json:"pricePerMillionTokens"`
	// RelativeCost is the price as a percentage of the most expensive model.
	RelativeCost float64 `json:"relativeCost"`
	// Tokens is what this model billed during the run.
	Tokens       int     `json:"tokens"`
	EstimatedUSD float64 `json:"estimatedUsd"`
}

// Usage summarizes the embedding traffic of one run.
type Usage struct {
	EmbeddingCalls int     `json:"embeddingCalls"`
	TotalTokens    int     `json:"totalTokens"`
	EstimatedUSD   float64 `json:"estimatedUsd"`
	DurationMillis int64   `json:"durationMs"`
}
