// Package comparability runs the embedding-space comparability analysis: the
// same texts are embedded by several models, every vector is compared with
// every other, the full set is projected to two dimensions, and an asymmetric
// retrieval check shows how much quality a cheap query model keeps against
// documents embedded by an expensive one.
//
// The embedding calls of one run fan out concurrently and the first failure
// aborts the others. A run either returns a complete [Report] or an error,
// never a partial report.
package comparability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sharedspace/pkg/provider/embeddings"
	"github.com/MrWong99/sharedspace/pkg/vector"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultMaxTextLength = 2000
	DefaultTimeout       = 30 * time.Second
	DefaultControlText   = "The recipe calls for two cups of flour, a pinch of salt, and butter softened at room temperature."
)

// Model is one embedding model taking part in the analysis.
type Model struct {
	// ID is the provider's model identifier, e.g. "voyage-3-large".
	ID string

	// PricePerMillionTokens is the published price in USD. It decides which
	// model is the cheapest and which the most expensive.
	PricePerMillionTokens float64
}

// DefaultModels is the Voyage AI model line-up with published prices.
var DefaultModels = []Model{
	{ID: "voyage-3.5-lite", PricePerMillionTokens: 0.02},
	{ID: "voyage-3.5", PricePerMillionTokens: 0.06},
	{ID: "voyage-3-large", PricePerMillionTokens: 0.18},
}

// Config controls a [Pipeline].
type Config struct {
	// Models lists the models in report order. At least two are required and
	// IDs must be unique.
	Models []Model

	// ControlText is the unrelated sentence embedded next to text A and B.
	// Defaults to [DefaultControlText].
	ControlText string

	// MaxTextLength caps each input text, counted in runes. Defaults to
	// [DefaultMaxTextLength].
	MaxTextLength int

	// Timeout bounds one run. Defaults to [DefaultTimeout].
	Timeout time.Duration

	// Seed pins the random initial vectors of the projection. Zero selects a
	// fresh random seed per run.
	Seed int64
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline
// ─────────────────────────────────────────────────────────────────────────────

// Pipeline runs comparability analyses against one embeddings provider.
// It holds no mutable state and is safe for concurrent use.
type Pipeline struct {
	provider  embeddings.Provider
	cfg       Config
	projector *vector.Projector
	cheap     int
	expensive int
}

// New validates cfg, applies defaults and returns a ready [Pipeline].
func New(provider embeddings.Provider, cfg Config) (*Pipeline, error) {
	if provider == nil {
		return nil, errors.New("comparability: embeddings provider must not be nil")
	}
	if len(cfg.Models) < 2 {
		return nil, fmt.Errorf("comparability: need at least 2 models, got %d", len(cfg.Models))
	}
	seen := make(map[string]struct{}, len(cfg.Models))
	for i, m := range cfg.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("comparability: model %d has an empty id", i)
		}
		if m.PricePerMillionTokens < 0 {
			return nil, fmt.Errorf("comparability: model %q has a negative price", m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("comparability: model %q listed twice", m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	if cfg.ControlText == "" {
		cfg.ControlText = DefaultControlText
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var opts []vector.ProjectOption
	if cfg.Seed != 0 {
		opts = append(opts, vector.WithSeed(cfg.Seed))
	}

	cheap, expensive := priceExtremes(cfg.Models)
	return &Pipeline{
		provider:  provider,
		cfg:       cfg,
		projector: vector.NewProjector(opts...),
		cheap:     cheap,
		expensive: expensive,
	}, nil
}

// Run is the one-shot form of [Pipeline.Run]. Prices are looked up in
// [DefaultModels]; unknown model IDs are priced at zero.
func Run(ctx context.Context, provider embeddings.Provider, textA, textB string, models []string) (*Report, error) {
	cfg := Config{Models: make([]Model, len(models))}
	for i, id := range models {
		cfg.Models[i] = Model{ID: id}
		for _, known := range DefaultModels {
			if known.ID == id {
				cfg.Models[i].PricePerMillionTokens = known.PricePerMillionTokens
			}
		}
	}
	p, err := New(provider, cfg)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, textA, textB)
}

// Models returns the configured models in report order.
func (p *Pipeline) Models() []Model {
	out := make([]Model, len(p.cfg.Models))
	copy(out, p.cfg.Models)
	return out
}

// Run embeds textA, textB and the control text with every model and assembles
// the report.
//
// Input is validated before any embedding call; failures are returned as
// *[ValidationError]. Any embedding failure, including the run timeout, is
// returned as *[UpstreamError].
func (p *Pipeline) Run(ctx context.Context, textA, textB string) (*Report, error) {
	if err := p.validate("textA", textA); err != nil {
		return nil, err
	}
	if err := p.validate("textB", textB); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	res, err := p.embedAll(ctx, textA, textB)
	if err != nil {
		return nil, err
	}

	report := &Report{ID: uuid.NewString()}

	if report.ModelAgreement, err = p.modelAgreement(res); err != nil {
		return nil, err
	}
	if report.FullComparison, err = p.fullComparison(ctx, res); err != nil {
		return nil, err
	}
	if report.Retrieval, err = p.retrieval(res); err != nil {
		return nil, err
	}
	report.Costs, report.Usage = p.costs(res)
	report.Usage.DurationMillis = time.Since(start).Milliseconds()

	slog.Debug("comparability: run complete",
		"id", report.ID,
		"models", len(p.cfg.Models),
		"tokens", report.Usage.TotalTokens,
		"duration", time.Since(start),
	)
	return report, nil
}

// validate rejects empty or oversized input.
func (p *Pipeline) validate(field, text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(text); n > p.cfg.MaxTextLength {
		return &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("must be at most %d characters, got %d", p.cfg.MaxTextLength, n),
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Embedding fan-out
// ─────────────────────────────────────────────────────────────────────────────

// Slots of the per-model document batch.
const (
	slotTextA = iota
	slotTextB
	slotControl
)

// results holds every vector of one run in fixed slots, so assembly does not
// depend on the order in which calls complete.
type results struct {
	// docs[m] holds [textA, textB, control] embedded as documents by model m.
	docs [][][]float32
	// queries[m] holds textB embedded as a query by model m, or nil when
	// model m issued no query call.
	queries [][]float32
	// tokens[m] is what model m billed across all its calls.
	tokens []int
	calls  int
}

// embedAll issues one document call per model plus the query calls of the
// retrieval check, all concurrently.
func (p *Pipeline) embedAll(ctx context.Context, textA, textB string) (*results, error) {
	n := len(p.cfg.Models)
	res := &results{
		docs:    make([][][]float32, n),
		queries: make([][]float32, n),
		tokens:  make([]int, n),
	}
	docTokens := make([]int, n)
	queryTokens := make([]int, n)

	queryModels := []int{p.cheap}
	if p.expensive != p.cheap {
		queryModels = append(queryModels, p.expensive)
	}
	res.calls = n + len(queryModels)

	eg, egCtx := errgroup.WithContext(ctx)

	// ── document calls: one batch per model ──────────────────────────────────
	for i, m := range p.cfg.Models {
		eg.Go(func() error {
			texts := []string{textA, textB, p.cfg.ControlText}
			resp, err := p.embed(egCtx, m.ID, CallDocument, texts, embeddings.InputDocument)
			if err != nil {
				return err
			}
			res.docs[i] = resp.Embeddings
			docTokens[i] = resp.TotalTokens
			return nil
		})
	}

	// ── query calls: text B against the cheapest and most expensive ─────────
	for _, i := range queryModels {
		m := p.cfg.Models[i]
		eg.Go(func() error {
			resp, err := p.embed(egCtx, m.ID, CallQuery, []string{textB}, embeddings.InputQuery)
			if err != nil {
				return err
			}
			res.queries[i] = resp.Embeddings[0]
			queryTokens[i] = resp.TotalTokens
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for i := range n {
		res.tokens[i] = docTokens[i] + queryTokens[i]
	}
	return res, nil
}

// embed performs one embedding call and checks the response shape.
func (p *Pipeline) embed(ctx context.Context, model, call string, texts []string, inputType embeddings.InputType) (*embeddings.Response, error) {
	resp, err := p.provider.Embed(ctx, embeddings.Request{
		Model:     model,
		Texts:     texts,
		InputType: inputType,
	})
	if err == nil {
		err = embeddings.CheckCount(p.provider.Name(), resp, len(texts))
	}
	if err != nil {
		return nil, &UpstreamError{Model: model, Call: call, Err: err}
	}
	return resp, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Panels
// ─────────────────────────────────────────────────────────────────────────────

func (p *Pipeline) modelAgreement(res *results) (ModelAgreement, error) {
	items := make([]vector.Labeled, len(p.cfg.Models))
	ids := make([]string, len(p.cfg.Models))
	for i, m := range p.cfg.Models {
		ids[i] = m.ID
		items[i] = vector.Labeled{Label: m.ID, Group: GroupTextA, Model: m.ID, Vector: res.docs[i][slotTextA]}
	}
	pairs, err := vector.Pairwise(items)
	if err != nil {
		return ModelAgreement{}, fmt.Errorf("comparability: model agreement: %w", err)
	}
	summary := vector.Summarize(pairs)
	return ModelAgreement{
		Models:         ids,
		Pairs:          pairs,
		Summary:        summary,
		Interpretation: interpretAgreement(summary),
	}, nil
}

// fullComparison labels are ordered group-major: all Text A vectors, then all
// Text B vectors, then all Control vectors, each in model order.
func (p *Pipeline) fullComparison(ctx context.Context, res *results) (FullComparison, error) {
	groups := []struct {
		name string
		slot int
	}{
		{GroupTextA, slotTextA},
		{GroupTextB, slotTextB},
		{GroupControl, slotControl},
	}

	var items []vector.Labeled
	for _, g := range groups {
		for i, m := range p.cfg.Models {
			items = append(items, vector.Labeled{
				Label:  Label(g.name, m.ID),
				Group:  g.name,
				Model:  m.ID,
				Vector: res.docs[i][g.slot],
			})
		}
	}

	pairs, err := vector.Pairwise(items)
	if err != nil {
		return FullComparison{}, fmt.Errorf("comparability: full comparison: %w", err)
	}

	vecs := make([][]float32, len(items))
	labels := make([]string, len(items))
	for i, it := range items {
		vecs[i] = it.Vector
		labels[i] = it.Label
	}
	proj, err := p.projector.Project(vecs)
	if err != nil {
		return FullComparison{}, fmt.Errorf("comparability: projection: %w", err)
	}
	if proj.Degenerate {
		slog.DebugContext(ctx, "comparability: projection collapsed, scatter is degenerate", "points", len(vecs))
	}

	scatter := make([]ScatterPoint, len(items))
	for i, it := range items {
		scatter[i] = ScatterPoint{
			Label: it.Label,
			Group: it.Group,
			Model: it.Model,
			X:     proj.Points[i].X,
			Y:     proj.Points[i].Y,
		}
	}
	return FullComparison{Labels: labels, Pairs: pairs, Scatter: scatter}, nil
}

func (p *Pipeline) retrieval(res *results) (Retrieval, error) {
	cheap := p.cfg.Models[p.cheap]
	expensive := p.cfg.Models[p.expensive]
	doc := res.docs[p.expensive][slotTextA]

	cheapSim, err := vector.Cosine(doc, res.queries[p.cheap])
	if err != nil {
		return Retrieval{}, fmt.Errorf("comparability: retrieval with %q query: %w", cheap.ID, err)
	}
	expensiveSim, err := vector.Cosine(doc, res.queries[p.expensive])
	if err != nil {
		return Retrieval{}, fmt.Errorf("comparability: retrieval with %q query: %w", expensive.ID, err)
	}

	r := Retrieval{
		DocumentModel:       expensive.ID,
		CheapModel:          cheap.ID,
		ExpensiveModel:      expensive.ID,
		CheapSimilarity:     vector.Round(cheapSim, vector.DisplayPrecision),
		ExpensiveSimilarity: vector.Round(expensiveSim, vector.DisplayPrecision),
	}
	r.QualityRetained = QualityRetained(r.CheapSimilarity, r.ExpensiveSimilarity)
	r.CostSavings = CostSavings(cheap.PricePerMillionTokens, expensive.PricePerMillionTokens)
	r.Narrative = fmt.Sprintf(
		"Searching %s documents with %s queries keeps %.2f%% of the similarity that %s queries reach, at %.2f%% lower embedding cost.",
		expensive.ID, cheap.ID, r.QualityRetained, expensive.ID, r.CostSavings,
	)
	return r, nil
}

func (p *Pipeline) costs(res *results) ([]Cost, Usage) {
	top := p.cfg.Models[p.expensive].PricePerMillionTokens
	rows := make([]Cost, len(p.cfg.Models))
	usage := Usage{EmbeddingCalls: res.calls}
	var total float64
	for i, m := range p.cfg.Models {
		usd := float64(res.tokens[i]) * m.PricePerMillionTokens / 1e6
		total += usd
		rows[i] = Cost{
			Model:                 m.ID,
			PricePerMillionTokens: m.PricePerMillionTokens,
			Tokens:                res.tokens[i],
			EstimatedUSD:          vector.Round(usd, 8),
		}
		if top > 0 {
			rows[i].RelativeCost = vector.Round(m.PricePerMillionTokens/top*100, 2)
		}
		usage.TotalTokens += res.tokens[i]
	}
	usage.EstimatedUSD = vector.Round(total, 8)
	return rows, usage
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// Label returns the full comparison label of one vector, e.g.
// "Text A · voyage-3-large".
func Label(group, model string) string {
	return group + " · " + model
}

// QualityRetained returns cheap/expensive as a percentage rounded to two
// decimals, or 0 when expensive is not positive.
func QualityRetained(cheap, expensive float64) float64 {
	if expensive <= 0 {
		return 0
	}
	return vector.Round(cheap/expensive*100, 2)
}

// CostSavings returns how much cheaper cheapPrice is than expensivePrice as a
// percentage rounded to two decimals, or 0 when expensivePrice is not positive.
func CostSavings(cheapPrice, expensivePrice float64) float64 {
	if expensivePrice <= 0 {
		return 0
	}
	return vector.Round((1-cheapPrice/expensivePrice)*100, 2)
}

// priceExtremes returns the indices of the cheapest and the most expensive
// model. Ties go to the model listed first.
func priceExtremes(models []Model) (cheap, expensive int) {
	for i, m := range models {
		if m.PricePerMillionTokens < models[cheap].PricePerMillionTokens {
			cheap = i
		}
		if m.PricePerMillionTokens > models[expensive].PricePerMillionTokens {
			expensive = i
		}
	}
	return cheap, expensive
}

func interpretAgreement(s vector.Summary) string {
	switch {
	case s.Min >= 0.8:
		return fmt.Sprintf("All models place this text in nearly the same direction (lowest similarity %.4f).", s.Min)
	case s.Min >= 0.5:
		return fmt.Sprintf("The models broadly agree on this text (average similarity %.4f, lowest %.4f).", s.Avg, s.Min)
	default:
		return fmt.Sprintf("At least one model disagrees noticeably on this text (lowest similarity %.4f).", s.Min)
	}
}
