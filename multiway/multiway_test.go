package multiway

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		HiddenSize:    16,
		NumPath:       3,
		Direction:     DirectionMirror,
		PixShufFactor: 2,
		Block:         BlockConfig{NumHeads: 2},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"direction out of range", func(c *Config) { c.Direction = 3 }},
		{"even paths under mirror", func(c *Config) { c.NumPath = 4 }},
		{"factor below 2", func(c *Config) { c.PixShufFactor = 1 }},
		{"no paths", func(c *Config) { c.NumPath = 0 }},
		{"hidden size not positive", func(c *Config) { c.HiddenSize = 0 }},
		{"no heads", func(c *Config) { c.Block.NumHeads = 0 }},
		{"hidden size not divisible by heads", func(c *Config) {
			c.HiddenSize = 18
			c.Block.NumHeads = 4
		}},
		{"fractional path width", func(c *Config) {
			// Path 3 shuffles by 3: 16/9 is not an integer.
			c.PixShufFactor = 3
		}},
		{"path width not divisible by heads", func(c *Config) {
			// Path 3 width is 72/4 = 18, not divisible by 4 heads.
			c.HiddenSize = 72
			c.Block.NumHeads = 4
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := validConfig()
			test.mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}

	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestNewPathWidths(t *testing.T) {
	// Mirror around the median: path 1 runs wide and small, path 2 at the
	// input resolution, path 3 narrow and large.
	block, err := New(Config{
		HiddenSize:    64,
		NumPath:       3,
		Direction:     DirectionMirror,
		PixShufFactor: 2,
		Block:         BlockConfig{NumHeads: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, block.NumPaths())
	assert.Equal(t, 256, block.PathWidth(0))
	assert.Equal(t, 64, block.PathWidth(1))
	assert.Equal(t, 16, block.PathWidth(2))

	// Downsample direction: the first path is the identity, widths then grow
	// with the squared factor times the squared path distance.
	block, err = New(Config{
		HiddenSize:    16,
		NumPath:       3,
		Direction:     DirectionDownsample,
		PixShufFactor: 2,
		Block:         BlockConfig{NumHeads: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 16, block.PathWidth(0))
	assert.Equal(t, 64, block.PathWidth(1))
	assert.Equal(t, 256, block.PathWidth(2))

	// Upsample direction.
	block, err = New(Config{
		HiddenSize:    64,
		NumPath:       2,
		Direction:     DirectionUpsample,
		PixShufFactor: 2,
		Block:         BlockConfig{NumHeads: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 64, block.PathWidth(0))
	assert.Equal(t, 16, block.PathWidth(1))
}

// iotaTensor builds a float32 tensor with running values scaled down.
func iotaTensor(scale float64, dims ...int) *tensors.Tensor {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(g *Graph) *Node {
		return MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, dims...)), scale)
	})
	return exec.Call()[0]
}

func TestForwardSumFusion(t *testing.T) {
	block, err := New(validConfig())
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	evaluator := NewEvaluator(backend, context.New(), block)
	x := iotaTensor(0.01, 2, 16, 16)
	output, coefficients, err := evaluator.Evaluate(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 16}, output.Shape().Dimensions)
	// The surfaced coefficients belong to the last path, which shuffles by 2:
	// 8x8 feature map, so 64 tokens.
	assert.Equal(t, []int{2, 2, 64, 64}, coefficients.Shape().Dimensions)

	// Training mode compiles a second executable and also runs.
	output, _, err = evaluator.Evaluate(x, true)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 16}, output.Shape().Dimensions)
}

func TestForwardConcatFusion(t *testing.T) {
	cfg := validConfig()
	cfg.Concat = true
	block, err := New(cfg)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	evaluator := NewEvaluator(backend, ctx, block)
	x := iotaTensor(0.01, 2, 16, 16)
	output, _, err := evaluator.Evaluate(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 16}, output.Shape().Dimensions)

	// The fusion projection maps the concatenation of all paths
	// (HiddenSize*NumPath wide) back to HiddenSize.
	weights := ctx.InspectVariable("/fuse_fc/dense", "weights")
	require.NotNil(t, weights)
	assert.Equal(t, []int{48, 16}, weights.Shape().Dimensions)
}

func TestForwardShapeErrors(t *testing.T) {
	block, err := New(validConfig())
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()

	// Sequence length 10 is not a perfect square.
	evaluator := NewEvaluator(backend, context.New(), block)
	_, _, err = evaluator.Evaluate(iotaTensor(0.01, 1, 10, 16), false)
	require.Error(t, err)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)

	// Wrong feature width.
	evaluator = NewEvaluator(backend, context.New(), block)
	_, _, err = evaluator.Evaluate(iotaTensor(0.01, 1, 16, 8), false)
	require.Error(t, err)
	require.ErrorAs(t, err, &shapeErr)
}

func TestForwardCustomFactory(t *testing.T) {
	// With identity blocks, every path's resample round-trips exactly, so sum
	// fusion must return exactly NumPath times the input.
	var widths []int
	identityFactory := func(dim int) BlockFn {
		widths = append(widths, dim)
		return func(ctx *context.Context, x *Node) (*Node, *Node) {
			return x, x
		}
	}
	block, err := New(validConfig(), WithBlockFactory(identityFactory))
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 16, 16))
		output, _ := block.Forward(ctx, x)
		return []*Node{output, MulScalar(x, 3)}
	})
	results := exec.Call()
	require.Equal(t, results[1].Value(), results[0].Value())
	assert.Equal(t, []int{64, 16, 4}, widths)
}

func TestForwardSinglePathMatchesPlainBlock(t *testing.T) {
	// One path without fusion projection is exactly a transformer block: run
	// both against the same variables and compare.
	cfg := Config{
		HiddenSize:    16,
		NumPath:       1,
		Direction:     DirectionMirror,
		PixShufFactor: 2,
		Block:         BlockConfig{NumHeads: 2, QKVBias: true},
	}
	block, err := New(cfg)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, 16, 16)), 0.01)
		fromBlock, _ := block.Forward(ctx, x)
		plain, _ := TransformerBlock(ctx.In("path_1").Reuse(), x, cfg.Block)
		return ReduceAllMax(Abs(Sub(fromBlock, plain)))
	})
	require.Equal(t, float32(0), tensors.ToScalar[float32](exec.Call()[0]))
}

func TestForwardSinglePathConcatMatchesProjectedBlock(t *testing.T) {
	// One path with concatenation fusion is a plain transformer block followed
	// by LayerNorm and an identity-width projection: run both against the same
	// variables and compare.
	cfg := Config{
		HiddenSize:    16,
		NumPath:       1,
		Direction:     DirectionMirror,
		PixShufFactor: 2,
		Concat:        true,
		Block:         BlockConfig{NumHeads: 2, QKVBias: true},
	}
	block, err := New(cfg)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, 16, 16)), 0.01)
		fromBlock, _ := block.Forward(ctx, x)
		plain, _ := TransformerBlock(ctx.In("path_1").Reuse(), x, cfg.Block)
		normed := layers.LayerNormalization(ctx.In("fuse_norm").Reuse(), plain, -1).Done()
		projected := layers.Dense(ctx.In("fuse_fc").Reuse(), normed, true, cfg.HiddenSize)
		return ReduceAllMax(Abs(Sub(fromBlock, projected)))
	})
	require.Equal(t, float32(0), tensors.ToScalar[float32](exec.Call()[0]))

	// With a single path the projection is identity-width.
	weights := ctx.InspectVariable("/fuse_fc/dense", "weights")
	require.NotNil(t, weights)
	assert.Equal(t, []int{16, 16}, weights.Shape().Dimensions)
}

func TestForwardMultiScaleLayout(t *testing.T) {
	// 196 tokens (14x14) at width 64, mirrored 3 ways with factor 2: the
	// paths run at 256/7x7, 64/14x14 and 16/28x28.
	block, err := New(Config{
		HiddenSize:    64,
		NumPath:       3,
		Direction:     DirectionMirror,
		PixShufFactor: 2,
		Block:         BlockConfig{NumHeads: 4, QKVBias: true},
	})
	require.NoError(t, err)
	require.Equal(t, []int{256, 64, 16}, []int{block.PathWidth(0), block.PathWidth(1), block.PathWidth(2)})

	backend := graphtest.BuildTestBackend()
	evaluator := NewEvaluator(backend, context.New(), block)
	output, coefficients, err := evaluator.Evaluate(iotaTensor(0.001, 1, 196, 64), false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 196, 64}, output.Shape().Dimensions)
	assert.Equal(t, []int{1, 4, 784, 784}, coefficients.Shape().Dimensions)
}
