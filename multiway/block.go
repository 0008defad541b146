package multiway

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// BlockFn computes a transformer block over tokens x, shaped
// [batch, seqLen, dim], and returns the transformed tokens together with the
// attention coefficients of the block.
type BlockFn func(ctx *context.Context, x *Node) (*Node, *Node)

// BlockFactory returns the BlockFn to run at a path's feature width. It lets
// callers substitute their own block implementation in a MultiWayBlock.
type BlockFactory func(dim int) BlockFn

// FeedForward applies the transformer MLP to the last axis of x:
// Dense to hiddenDim, GELU, dropout, Dense back to the input width, dropout.
// It never mixes features across tokens.
func FeedForward(ctx *context.Context, x *Node, hiddenDim int, dropout float64) *Node {
	dim := x.Shape().Dimensions[x.Rank()-1]
	x = layers.Dense(ctx.In("fc1"), x, true, hiddenDim)
	x = activations.Gelu(x)
	if dropout > 0 {
		x = layers.DropoutStatic(ctx.In("drop1"), x, dropout)
	}
	x = layers.Dense(ctx.In("fc2"), x, true, dim)
	if dropout > 0 {
		x = layers.DropoutStatic(ctx.In("drop2"), x, dropout)
	}
	return x
}

// TransformerBlock applies a pre-norm transformer block to x, shaped
// [batch, seqLen, dim]:
//
//	x   = x + DropPath(Attention(LayerNorm(x)))
//	out = x + DropPath(FeedForward(LayerNorm(x)))
//
// It returns the transformed tokens and the attention coefficients.
func TransformerBlock(ctx *context.Context, x *Node, cfg BlockConfig) (*Node, *Node) {
	dim := x.Shape().Dimensions[x.Rank()-1]

	normed := layers.LayerNormalization(ctx.In("norm1"), x, -1).Done()
	attnOut, coefficients := SelfAttention(ctx.In("attn"), normed, cfg.NumHeads).
		QKVBias(cfg.QKVBias).
		AttentionDropout(cfg.AttnDropout).
		OutputDropout(cfg.ProjDropout).
		DoneWithCoefficients()
	x = Add(x, DropPath(ctx.In("drop_path1"), attnOut, cfg.DropPathRate))

	normed = layers.LayerNormalization(ctx.In("norm2"), x, -1).Done()
	ffOut := FeedForward(ctx.In("mlp"), normed, dim*cfg.mlpRatio(), cfg.Dropout)
	x = Add(x, DropPath(ctx.In("drop_path2"), ffOut, cfg.DropPathRate))
	return x, coefficients
}

// DropPath applies stochastic depth: during training, whole samples (leading
// axis) are zeroed with probability rate and the survivors are rescaled by
// 1/(1-rate), preserving the expected value. It is the identity when rate is
// 0 or the context is not marked as training.
func DropPath(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	g := x.Graph()
	if !ctx.IsTraining(g) {
		return x
	}
	maskShape := x.Shape().Clone()
	for axis := 1; axis < maskShape.Rank(); axis++ {
		maskShape.Dimensions[axis] = 1
	}
	keepProb := 1 - rate
	mask := ctx.RandomBernoulli(Scalar(g, x.DType(), keepProb), maskShape)
	return DivScalar(Mul(x, mask), keepProb)
}
