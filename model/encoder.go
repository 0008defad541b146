package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"

	"github.com/vitcraft/mwvit/multiway"
)

// Encoder is a stack of multi-way blocks. Stochastic depth ramps up linearly
// from 0 at the first layer to Config.DropPathRate at the last.
type Encoder struct {
	cfg    Config
	blocks []*multiway.MultiWayBlock
}

// NewEncoder builds the block stack for cfg.
func NewEncoder(cfg Config) (*Encoder, error) {
	blocks := make([]*multiway.MultiWayBlock, cfg.NumLayers)
	for layer := range blocks {
		block, err := multiway.New(cfg.multiwayConfig(layer))
		if err != nil {
			return nil, errors.WithMessagef(err, "building encoder layer %d", layer)
		}
		blocks[layer] = block
	}
	return &Encoder{cfg: cfg, blocks: blocks}, nil
}

// Forward runs the stack over tokens shaped [batch, numPatches, HiddenSize]
// and returns tokens of the same shape plus the attention coefficients
// surfaced by the last layer.
func (e *Encoder) Forward(ctx *context.Context, tokens *Node) (*Node, *Node) {
	var coefficients *Node
	for layer, block := range e.blocks {
		tokens, coefficients = block.Forward(ctx.Inf("layer_%d", layer), tokens)
	}
	return tokens, coefficients
}
