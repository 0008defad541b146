package multiway

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// SelfAttentionBuilder configures a multi-head self-attention layer.
// Create it with SelfAttention, set options, and call Done or
// DoneWithCoefficients.
type SelfAttentionBuilder struct {
	ctx           *context.Context
	x             *Node
	numHeads      int
	qkvBias       bool
	attnDropout   float64
	outputDropout float64
}

// SelfAttention builds a multi-head self-attention layer over x, shaped
// [batch, seqLen, dim]. Queries, keys and values come from one joint Dense
// projection; the scaled dot-product uses scale 1/sqrt(dim/numHeads); the
// output is projected back to dim (with bias).
//
// dim must be divisible by numHeads, or the builder panics with a
// *ShapeError when finished.
func SelfAttention(ctx *context.Context, x *Node, numHeads int) *SelfAttentionBuilder {
	return &SelfAttentionBuilder{ctx: ctx, x: x, numHeads: numHeads}
}

// QKVBias enables the bias term of the joint query/key/value projection.
// Default is false.
func (b *SelfAttentionBuilder) QKVBias(useBias bool) *SelfAttentionBuilder {
	b.qkvBias = useBias
	return b
}

// AttentionDropout sets the dropout rate applied to the attention weights.
// The coefficients returned by DoneWithCoefficients are captured before this
// dropout. Default is 0.
func (b *SelfAttentionBuilder) AttentionDropout(rate float64) *SelfAttentionBuilder {
	b.attnDropout = rate
	return b
}

// OutputDropout sets the dropout rate applied after the output projection.
// Default is 0.
func (b *SelfAttentionBuilder) OutputDropout(rate float64) *SelfAttentionBuilder {
	b.outputDropout = rate
	return b
}

// Done builds the attention layer and returns its output, shaped like the
// input [batch, seqLen, dim].
func (b *SelfAttentionBuilder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}

// DoneWithCoefficients builds the attention layer and returns its output
// ([batch, seqLen, dim]) along with the attention coefficients
// ([batch, numHeads, seqLen, seqLen], rows summing to 1), taken after the
// softmax but before attention dropout.
func (b *SelfAttentionBuilder) DoneWithCoefficients() (*Node, *Node) {
	x, ctx := b.x, b.ctx
	if x.Rank() != 3 {
		shapePanicf("SelfAttention", "input must be rank-3 [batch, seqLen, dim], got shape %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, seqLen, dim := dims[0], dims[1], dims[2]
	if b.numHeads <= 0 {
		shapePanicf("SelfAttention", "numHeads must be positive, got %d", b.numHeads)
	}
	if dim%b.numHeads != 0 {
		shapePanicf("SelfAttention", "feature dimension %d is not divisible by numHeads=%d", dim, b.numHeads)
	}
	headDim := dim / b.numHeads

	// Joint projection: [batch, seqLen, 3, numHeads, headDim].
	qkv := layers.Dense(ctx.In("qkv"), x, b.qkvBias, 3, b.numHeads, headDim)
	query := toHeadsFirst(Squeeze(Slice(qkv, AxisRange(), AxisRange(), AxisElem(0)), 2))
	key := toHeadsFirst(Squeeze(Slice(qkv, AxisRange(), AxisRange(), AxisElem(1)), 2))
	value := toHeadsFirst(Squeeze(Slice(qkv, AxisRange(), AxisRange(), AxisElem(2)), 2))

	scores := Einsum("bhqd,bhkd->bhqk", query, key)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(headDim)))
	coefficients := Softmax(scores, -1)

	weights := coefficients
	if b.attnDropout > 0 {
		weights = layers.DropoutStatic(ctx.In("attn_drop"), weights, b.attnDropout)
	}

	// [batch, numHeads, seqLen, headDim] -> [batch, seqLen, dim].
	output := Einsum("bhqk,bhkd->bhqd", weights, value)
	output = TransposeAllDims(output, 0, 2, 1, 3)
	output = Reshape(output, batchSize, seqLen, dim)

	output = layers.Dense(ctx.In("proj"), output, true, dim)
	if b.outputDropout > 0 {
		output = layers.DropoutStatic(ctx.In("proj_drop"), output, b.outputDropout)
	}
	return output, coefficients
}

// toHeadsFirst converts [batch, seqLen, numHeads, headDim] to
// [batch, numHeads, seqLen, headDim].
func toHeadsFirst(x *Node) *Node {
	return TransposeAllDims(x, 0, 2, 1, 3)
}
