package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

// Embed patchifies images shaped [batch, size, size, channels] into tokens
// shaped [batch, numPatches, HiddenSize] with a strided convolution, and adds
// a learned positional embedding shared across the batch.
func Embed(ctx *context.Context, cfg Config, images *Node) *Node {
	g := images.Graph()
	x := layers.Convolution(ctx.In("patchify"), images).
		Filters(cfg.HiddenSize).
		KernelSize(cfg.PatchSize).
		Strides(cfg.PatchSize).
		Done()

	dims := x.Shape().Dimensions
	numPatches := dims[1] * dims[2]
	x = Reshape(x, dims[0], numPatches, cfg.HiddenSize)

	posEmbed := ctx.In("pos_embed").
		VariableWithShape("embeddings", shapes.Make(x.DType(), numPatches, cfg.HiddenSize)).
		ValueGraph(g)
	return Add(x, InsertAxes(posEmbed, 0))
}
