package multiway

import (
	. "github.com/gomlx/gomlx/graph"
)

// PixelUnshuffle rearranges a channels-first feature map
// [batch, channels, height, width] into
// [batch, channels*factor², height/factor, width/factor], moving factor×factor
// spatial blocks into the channel axis. The element ordering matches PyTorch's
// nn.PixelUnshuffle: the new channel axis is channel-major over
// (channel, blockRow, blockColumn). It is a pure data movement, so
// PixelShuffle(PixelUnshuffle(x, f), f) returns x bit-exactly.
//
// It panics with a *ShapeError if x is not rank-4 or its spatial dimensions
// are not divisible by factor.
func PixelUnshuffle(x *Node, factor int) *Node {
	if factor < 1 {
		shapePanicf("PixelUnshuffle", "factor must be at least 1, got %d", factor)
	}
	if x.Rank() != 4 {
		shapePanicf("PixelUnshuffle", "input must be rank-4 [batch, channels, height, width], got shape %s", x.Shape())
	}
	if factor == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if height%factor != 0 || width%factor != 0 {
		shapePanicf("PixelUnshuffle", "spatial dimensions %dx%d are not divisible by factor %d", height, width, factor)
	}
	x = Reshape(x, batchSize, channels, height/factor, factor, width/factor, factor)
	x = TransposeAllDims(x, 0, 1, 3, 5, 2, 4)
	return Reshape(x, batchSize, channels*factor*factor, height/factor, width/factor)
}

// PixelShuffle is the exact inverse of PixelUnshuffle: it rearranges
// [batch, channels, height, width] into
// [batch, channels/factor², height*factor, width*factor], spreading groups of
// factor² channels over factor×factor spatial blocks, with PyTorch's
// nn.PixelShuffle element ordering.
//
// It panics with a *ShapeError if x is not rank-4 or its channel count is not
// divisible by factor².
func PixelShuffle(x *Node, factor int) *Node {
	if factor < 1 {
		shapePanicf("PixelShuffle", "factor must be at least 1, got %d", factor)
	}
	if x.Rank() != 4 {
		shapePanicf("PixelShuffle", "input must be rank-4 [batch, channels, height, width], got shape %s", x.Shape())
	}
	if factor == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	square := factor * factor
	if channels%square != 0 {
		shapePanicf("PixelShuffle", "channel count %d is not divisible by squared factor %d", channels, square)
	}
	newChannels := channels / square
	x = Reshape(x, batchSize, newChannels, factor, factor, height, width)
	x = TransposeAllDims(x, 0, 1, 4, 2, 5, 3)
	return Reshape(x, batchSize, newChannels, height*factor, width*factor)
}
