package multiway

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/tensors"
)

// MultiWayBlock runs several transformer paths at different spatial
// resolutions over the same tokens and fuses the results. It is immutable
// after New: every path is described by a precomputed descriptor, and
// Forward only interprets the descriptors.
type MultiWayBlock struct {
	cfg      Config
	paths    []pathSpec
	totalDim int
	factory  BlockFactory
}

// Option configures a MultiWayBlock during New.
type Option func(*MultiWayBlock)

// WithBlockFactory replaces the default transformer block of every path.
// The factory is called once per path with the path's feature width.
func WithBlockFactory(factory BlockFactory) Option {
	return func(b *MultiWayBlock) {
		b.factory = factory
	}
}

// New validates cfg and builds a MultiWayBlock. It returns a *ConfigError
// when the configuration is invalid.
func New(cfg Config, opts ...Option) (*MultiWayBlock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	paths, err := cfg.pathSpecs()
	if err != nil {
		return nil, err
	}
	b := &MultiWayBlock{
		cfg:      cfg,
		paths:    paths,
		totalDim: cfg.HiddenSize * cfg.NumPath,
	}
	b.factory = func(dim int) BlockFn {
		return func(ctx *context.Context, x *Node) (*Node, *Node) {
			return TransformerBlock(ctx, x, cfg.Block)
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the configuration the block was built with.
func (b *MultiWayBlock) Config() Config { return b.cfg }

// NumPaths returns the number of parallel paths.
func (b *MultiWayBlock) NumPaths() int { return len(b.paths) }

// PathWidth returns the feature width seen by the transformer block of the
// given path (0-based).
func (b *MultiWayBlock) PathWidth(path int) int { return b.paths[path].workingDim }

// Forward applies the block to x, shaped [batch, n, hiddenSize] with n a
// perfect square, and returns tokens of the same shape together with the
// attention coefficients of the last path (the coefficients of earlier paths
// are discarded). Each path creates its variables under its own scope
// ("path_1" .. "path_N"), so paths never share weights.
//
// It panics with a *ShapeError when n is not a perfect square or the feature
// width differs from the configured HiddenSize.
func (b *MultiWayBlock) Forward(ctx *context.Context, x *Node) (*Node, *Node) {
	if x.Rank() != 3 {
		shapePanicf("MultiWayBlock", "input must be rank-3 [batch, seqLen, hiddenSize], got shape %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, numTokens, dim := dims[0], dims[1], dims[2]
	if dim != b.cfg.HiddenSize {
		shapePanicf("MultiWayBlock", "feature width %d differs from configured HiddenSize=%d", dim, b.cfg.HiddenSize)
	}
	side := int(math.Sqrt(float64(numTokens)))
	if side*side != numTokens {
		shapePanicf("MultiWayBlock", "sequence length %d is not a perfect square", numTokens)
	}

	// Tokens to a channels-first feature map [batch, hiddenSize, side, side].
	grid := Reshape(TransposeAllDims(x, 0, 2, 1), batchSize, dim, side, side)

	var coefficients *Node
	features := make([]*Node, len(b.paths))
	for i, path := range b.paths {
		part := grid
		switch path.resample {
		case resampleUnshuffle:
			part = PixelUnshuffle(part, path.factor)
		case resampleShuffle:
			part = PixelShuffle(part, path.factor)
		}
		partDims := part.Shape().Dimensions
		pathDim, pathH, pathW := partDims[1], partDims[2], partDims[3]

		tokens := TransposeAllDims(Reshape(part, batchSize, pathDim, pathH*pathW), 0, 2, 1)
		tokens, coefficients = b.factory(path.workingDim)(ctx.In(path.scope), tokens)
		part = Reshape(TransposeAllDims(tokens, 0, 2, 1), batchSize, pathDim, pathH, pathW)

		switch path.resample {
		case resampleUnshuffle:
			part = PixelShuffle(part, path.factor)
		case resampleShuffle:
			part = PixelUnshuffle(part, path.factor)
		}
		features[i] = part
	}

	if b.cfg.Concat {
		// [batch, hiddenSize*numPath, side, side] -> [batch, n, hiddenSize*numPath].
		fused := Concatenate(features, 1)
		tokens := TransposeAllDims(Reshape(fused, batchSize, b.totalDim, numTokens), 0, 2, 1)
		tokens = layers.LayerNormalization(ctx.In("fuse_norm"), tokens, -1).Done()
		return layers.Dense(ctx.In("fuse_fc"), tokens, true, dim), coefficients
	}
	fused := features[0]
	for _, feature := range features[1:] {
		fused = Add(fused, feature)
	}
	return TransposeAllDims(Reshape(fused, batchSize, dim, numTokens), 0, 2, 1), coefficients
}

// Evaluator runs a MultiWayBlock on concrete tensors, outside a larger
// model graph. It compiles the graph on first use and caches one executable
// per training mode.
type Evaluator struct {
	backend backends.Backend
	ctx     *context.Context
	block   *MultiWayBlock
	execs   [2]*context.Exec
}

// NewEvaluator creates an Evaluator for block. Variables are created in ctx
// on the first call to Evaluate.
func NewEvaluator(backend backends.Backend, ctx *context.Context, block *MultiWayBlock) *Evaluator {
	return &Evaluator{backend: backend, ctx: ctx, block: block}
}

// Evaluate runs the block on x, shaped [batch, n, hiddenSize], and returns
// the fused tokens and the attention coefficients of the last path. Graph
// building panics (including *ShapeError) are returned as errors.
func (e *Evaluator) Evaluate(x *tensors.Tensor, training bool) (output, coefficients *tensors.Tensor, err error) {
	idx := 0
	if training {
		idx = 1
	}
	err = exceptions.TryCatch[error](func() {
		if e.execs[idx] == nil {
			ctx := e.ctx
			if e.execs[1-idx] != nil {
				// The other mode already created the variables.
				ctx = ctx.Reuse()
			}
			e.execs[idx] = context.NewExec(e.backend, ctx, func(ctx *context.Context, x *Node) []*Node {
				ctx.SetTraining(x.Graph(), training)
				output, coefficients := e.block.Forward(ctx, x)
				return []*Node{output, coefficients}
			})
		}
		results := e.execs[idx].Call(x)
		output, coefficients = results[0], results[1]
	})
	if err != nil {
		return nil, nil, err
	}
	return output, coefficients, nil
}
