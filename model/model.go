// Package model assembles multi-way transformer blocks into a small vision
// backbone with classification and segmentation read-outs.
//
// Images are patchified with a strided convolution into tokens, run through a
// stack of multiway.MultiWayBlock layers, and read out either as class logits
// (mean-pooled tokens) or as a full-resolution logit map (per-token projection
// followed by pixel shuffle). Images and masks are channels-last, the GoMLX
// convention.
package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"

	"github.com/vitcraft/mwvit/multiway"
)

// Config describes the backbone and its read-outs.
type Config struct {
	// ImageSize is the input height and width. Must be divisible by
	// PatchSize.
	ImageSize int

	// PatchSize is the patchify stride: each PatchSize x PatchSize block of
	// pixels becomes one token.
	PatchSize int

	// InputChannels is the number of image channels.
	InputChannels int

	// HiddenSize is the token width.
	HiddenSize int

	// NumLayers is the number of stacked multi-way blocks.
	NumLayers int

	// NumClasses is the number of output classes. The segmentation read-out
	// produces one logit plane per class.
	NumClasses int

	// Multi-way block layout, see multiway.Config.
	NumPath       int
	Direction     multiway.Direction
	PixShufFactor int
	Concat        bool

	// Per-block transformer settings, see multiway.BlockConfig.
	NumHeads    int
	MLPRatio    int
	QKVBias     bool
	Dropout     float64
	AttnDropout float64

	// DropPathRate is the stochastic-depth rate of the deepest layer; the
	// rate ramps up linearly from 0 over the layer stack.
	DropPathRate float64
}

// DefaultConfig returns a small backbone suitable for quick experiments.
func DefaultConfig() Config {
	return Config{
		ImageSize:     56,
		PatchSize:     4,
		InputChannels: 3,
		HiddenSize:    64,
		NumLayers:     2,
		NumClasses:    1,
		NumPath:       3,
		Direction:     multiway.DirectionMirror,
		PixShufFactor: 2,
		Concat:        true,
		NumHeads:      4,
		QKVBias:       true,
		DropPathRate:  0.1,
	}
}

// Validate checks the configuration fields the model layer adds on top of
// the block configuration.
func (c *Config) Validate() error {
	if c.ImageSize <= 0 || c.PatchSize <= 0 || c.ImageSize%c.PatchSize != 0 {
		return &multiway.ConfigError{Field: "ImageSize", Msg: "must be positive and divisible by PatchSize"}
	}
	if c.InputChannels <= 0 {
		return &multiway.ConfigError{Field: "InputChannels", Msg: "must be positive"}
	}
	if c.NumLayers <= 0 {
		return &multiway.ConfigError{Field: "NumLayers", Msg: "must be positive"}
	}
	if c.NumClasses <= 0 {
		return &multiway.ConfigError{Field: "NumClasses", Msg: "must be positive"}
	}
	return nil
}

// multiwayConfig returns the block configuration of the given layer, with
// its stochastic-depth rate on the linear ramp.
func (c *Config) multiwayConfig(layer int) multiway.Config {
	rate := 0.0
	if c.NumLayers > 1 {
		rate = c.DropPathRate * float64(layer) / float64(c.NumLayers-1)
	}
	return multiway.Config{
		HiddenSize:    c.HiddenSize,
		NumPath:       c.NumPath,
		Direction:     c.Direction,
		PixShufFactor: c.PixShufFactor,
		Concat:        c.Concat,
		Block: multiway.BlockConfig{
			NumHeads:     c.NumHeads,
			MLPRatio:     c.MLPRatio,
			QKVBias:      c.QKVBias,
			AttnDropout:  c.AttnDropout,
			ProjDropout:  c.Dropout,
			Dropout:      c.Dropout,
			DropPathRate: rate,
		},
	}
}

// Model holds a validated configuration and its encoder stack. Its graph
// methods follow the train.ModelFn signature and can be passed directly to a
// train.Trainer.
type Model struct {
	cfg     Config
	encoder *Encoder
}

// New validates cfg and builds the model. It returns a
// *multiway.ConfigError when the configuration is invalid.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	encoder, err := NewEncoder(cfg)
	if err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, encoder: encoder}, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// ClassifierGraph is a train.ModelFn. inputs[0] are images shaped
// [batch, ImageSize, ImageSize, InputChannels]; it returns class logits
// shaped [batch, NumClasses].
func (m *Model) ClassifierGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	tokens := Embed(ctx.In("embed"), m.cfg, inputs[0])
	tokens, _ = m.encoder.Forward(ctx.In("encoder"), tokens)
	pooled := ReduceMean(tokens, 1)
	logits := layers.Dense(ctx.In("head"), pooled, true, m.cfg.NumClasses)
	return []*Node{logits}
}

// SegmenterGraph is a train.ModelFn. inputs[0] are images shaped
// [batch, ImageSize, ImageSize, InputChannels]; it returns per-pixel logits
// shaped [batch, ImageSize, ImageSize, NumClasses]: each token is projected
// to a PatchSize x PatchSize block of logits and the blocks are pixel-shuffled
// back to image resolution.
func (m *Model) SegmenterGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	tokens := Embed(ctx.In("embed"), m.cfg, inputs[0])
	tokens, _ = m.encoder.Forward(ctx.In("encoder"), tokens)

	patch := m.cfg.PatchSize
	blockChannels := patch * patch * m.cfg.NumClasses
	logits := layers.Dense(ctx.In("seg_head"), tokens, true, blockChannels)

	batchSize := logits.Shape().Dimensions[0]
	side := m.cfg.ImageSize / patch
	grid := Reshape(TransposeAllDims(logits, 0, 2, 1), batchSize, blockChannels, side, side)
	full := multiway.PixelShuffle(grid, patch)
	return []*Node{TransposeAllDims(full, 0, 2, 3, 1)}
}
