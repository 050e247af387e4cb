package vector

import (
	"fmt"
	"math/rand/v2"
)

const (
	// DefaultIterations is the power-iteration budget per component.
	DefaultIterations = 100

	// DefaultEpsilon is the norm below which a component is considered
	// collapsed and iteration stops early.
	DefaultEpsilon = 1e-10
)

// Point is a vector projected onto the first two principal directions.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Projection is the full result of [Projector.Project].
type Projection struct {
	// Points holds one projected coordinate pair per input, in input order,
	// rounded to [DisplayPrecision] decimals.
	Points []Point

	// PC1 and PC2 are the unit-length principal directions that were used.
	// PC2 is orthogonal to PC1 up to floating-point error.
	PC1, PC2 []float64

	// Degenerate is set when either component collapsed below epsilon, e.g.
	// because all inputs are identical or collinear after centering. The
	// projection is still usable; it just carries little or no variance.
	Degenerate bool
}

// Projector extracts the two directions of greatest variance from a set of
// equal-length vectors using power iteration with deflation, without ever
// materialising the dim×dim covariance matrix.
//
// A Projector is safe for concurrent use; each call to Project draws its own
// random source from the configured seed.
type Projector struct {
	iterations int
	epsilon    float64
	seed       uint64
	seeded     bool
}

// ProjectOption is a functional option for [NewProjector].
type ProjectOption func(*Projector)

// WithSeed pins the random initial vectors so results are reproducible.
func WithSeed(seed int64) ProjectOption {
	return func(p *Projector) {
		p.seed = uint64(seed)
		p.seeded = true
	}
}

// WithIterations overrides [DefaultIterations]. Non-positive values are ignored.
func WithIterations(n int) ProjectOption {
	return func(p *Projector) {
		if n > 0 {
			p.iterations = n
		}
	}
}

// WithEpsilon overrides [DefaultEpsilon]. Non-positive values are ignored.
func WithEpsilon(eps float64) ProjectOption {
	return func(p *Projector) {
		if eps > 0 {
			p.epsilon = eps
		}
	}
}

// NewProjector returns a [Projector] with the given options applied.
func NewProjector(opts ...ProjectOption) *Projector {
	p := &Projector{
		iterations: DefaultIterations,
		epsilon:    DefaultEpsilon,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Project2D is a convenience wrapper around [NewProjector] and
// [Projector.Project] that returns only the projected points.
func Project2D(vectors [][]float32, opts ...ProjectOption) ([]Point, error) {
	proj, err := NewProjector(opts...).Project(vectors)
	if err != nil {
		return nil, err
	}
	return proj.Points, nil
}

// Project centers vectors on their mean, finds the first two principal
// directions and returns every vector's coordinates along them.
//
// An empty input yields an empty projection. Vectors of differing length
// yield [ErrDimensionMismatch]. Degenerate inputs never fail.
func (p *Projector) Project(vectors [][]float32) (*Projection, error) {
	if len(vectors) == 0 {
		return &Projection{Points: []Point{}}, nil
	}

	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has length %d, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}

	centered := center(vectors, dim)
	rng := p.newRand()

	pc1, collapsed1 := p.powerIterate(centered, initialVector(rng, dim, nil), nil)
	pc2, collapsed2 := p.powerIterate(centered, initialVector(rng, dim, pc1), pc1)

	points := make([]Point, len(centered))
	for i, c := range centered {
		points[i] = Point{
			X: Round(dot(c, pc1), DisplayPrecision),
			Y: Round(dot(c, pc2), DisplayPrecision),
		}
	}

	return &Projection{
		Points:     points,
		PC1:        pc1,
		PC2:        pc2,
		Degenerate: collapsed1 || collapsed2,
	}, nil
}

// newRand returns the random source for one projection.
func (p *Projector) newRand() *rand.Rand {
	if p.seeded {
		return rand.New(rand.NewPCG(p.seed, p.seed^0x9e3779b97f4a7c15))
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// powerIterate repeatedly applies the covariance operator Xᵗ(X·pc) to pc and
// renormalises. When deflate is non-nil the component along deflate is
// removed after every accumulation step. It reports whether the iteration
// collapsed below epsilon, in which case the last good direction is returned.
func (p *Projector) powerIterate(centered [][]float64, pc, deflate []float64) ([]float64, bool) {
	next := make([]float64, len(pc))
	for range p.iterations {
		clear(next)
		for _, c := range centered {
			w := dot(c, pc)
			for k := range next {
				next[k] += w * c[k]
			}
		}
		if deflate != nil {
			removeComponent(next, deflate)
		}

		n := norm(next)
		if n < p.epsilon {
			return pc, true
		}
		for k := range pc {
			pc[k] = next[k] / n
		}
	}
	return pc, false
}

// center subtracts the component-wise mean from every vector.
func center(vectors [][]float32, dim int) [][]float64 {
	mean := make([]float64, dim)
	for _, v := range vectors {
		for k, x := range v {
			mean[k] += float64(x)
		}
	}
	n := float64(len(vectors))
	for k := range mean {
		mean[k] /= n
	}

	centered := make([][]float64, len(vectors))
	for i, v := range vectors {
		c := make([]float64, dim)
		for k, x := range v {
			c[k] = float64(x) - mean[k]
		}
		centered[i] = c
	}
	return centered
}

// initialVector draws a zero-mean random vector, removes its component along
// deflate (if any) and scales it to unit length. A collapsed power iteration
// falls back to this vector, so it must already be a valid direction.
func initialVector(rng *rand.Rand, dim int, deflate []float64) []float64 {
	v := make([]float64, dim)
	for k := range v {
		v[k] = rng.Float64() - 0.5
	}
	if deflate != nil {
		removeComponent(v, deflate)
	}
	if n := norm(v); n > 0 {
		for k := range v {
			v[k] /= n
		}
	}
	return v
}

// removeComponent subtracts the projection of v onto the unit vector u.
func removeComponent(v, u []float64) {
	w := dot(v, u)
	for k := range v {
		v[k] -= w * u[k]
	}
}
