package multiway

import "fmt"

// Direction selects how the paths of a MultiWayBlock resample their input.
type Direction int

const (
	// DirectionMirror arranges the paths symmetrically around the median
	// path: paths before the median run on a pixel-unshuffled input (wider
	// features, smaller spatial extent), the median path runs at the input
	// resolution, and paths after the median run on a pixel-shuffled input.
	// Requires an odd number of paths.
	DirectionMirror Direction = 0

	// DirectionDownsample makes every path after the first run on a
	// pixel-unshuffled input: the feature width grows and the spatial
	// extent shrinks with the path index.
	DirectionDownsample Direction = 1

	// DirectionUpsample makes every path after the first run on a
	// pixel-shuffled input: the feature width shrinks and the spatial
	// extent grows with the path index.
	DirectionUpsample Direction = 2
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case DirectionMirror:
		return "mirror"
	case DirectionDownsample:
		return "downsample"
	case DirectionUpsample:
		return "upsample"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// BlockConfig configures the transformer block run inside each path. The
// zero value is usable once NumHeads is set.
type BlockConfig struct {
	// NumHeads is the number of attention heads. The feature width of every
	// path must be divisible by it.
	NumHeads int

	// MLPRatio is the expansion ratio of the feed-forward hidden layer.
	// Defaults to 4 when zero.
	MLPRatio int

	// QKVBias enables the bias term of the joint query/key/value projection.
	// The output projection always has a bias.
	QKVBias bool

	// AttnDropout is the dropout rate applied to the attention weights,
	// after the returned coefficients are captured.
	AttnDropout float64

	// ProjDropout is the dropout rate applied after the attention output
	// projection.
	ProjDropout float64

	// Dropout is the dropout rate used inside the feed-forward layers.
	Dropout float64

	// DropPathRate is the stochastic-depth rate gating both residual
	// branches of the block. Zero disables it.
	DropPathRate float64
}

func (c BlockConfig) mlpRatio() int {
	if c.MLPRatio <= 0 {
		return 4
	}
	return c.MLPRatio
}

// Config configures a MultiWayBlock.
type Config struct {
	// HiddenSize is the feature width of the input and output tokens.
	HiddenSize int

	// NumPath is the number of parallel paths. One path with Concat=false
	// reduces the block to a plain transformer block.
	NumPath int

	// Direction selects the resampling pattern of the paths.
	Direction Direction

	// PixShufFactor is the base pixel shuffle / unshuffle factor. The
	// actual factor of path i grows linearly with its distance from the
	// identity path. Must be at least 2.
	PixShufFactor int

	// Concat selects concatenation fusion: the per-path feature maps are
	// concatenated along channels, normalized, and projected back to
	// HiddenSize. When false the feature maps are summed elementwise.
	Concat bool

	// Block configures the transformer block of every path.
	Block BlockConfig
}

// median returns the 1-based index of the identity path under
// DirectionMirror.
func (c *Config) median() int {
	if c.NumPath%2 == 1 {
		return c.NumPath/2 + 1
	}
	return c.NumPath / 2
}

// Validate checks the configuration and returns a *ConfigError describing
// the first problem found, or nil.
func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return configErrorf("HiddenSize", "must be positive, got %d", c.HiddenSize)
	}
	if c.NumPath < 1 {
		return configErrorf("NumPath", "must be at least 1, got %d", c.NumPath)
	}
	if c.Direction < DirectionMirror || c.Direction > DirectionUpsample {
		return configErrorf("Direction", "must be one of mirror (0), downsample (1) or upsample (2), got %d", int(c.Direction))
	}
	if c.Direction == DirectionMirror && c.NumPath%2 == 0 {
		return configErrorf("NumPath", "must be odd under direction mirror, got %d", c.NumPath)
	}
	if c.PixShufFactor < 2 {
		return configErrorf("PixShufFactor", "must be at least 2, got %d", c.PixShufFactor)
	}
	if c.Block.NumHeads <= 0 {
		return configErrorf("Block.NumHeads", "must be positive, got %d", c.Block.NumHeads)
	}
	if c.HiddenSize%c.Block.NumHeads != 0 {
		return configErrorf("HiddenSize", "%d is not divisible by NumHeads=%d", c.HiddenSize, c.Block.NumHeads)
	}
	_, err := c.pathSpecs()
	return err
}

// resampleKind identifies the transform a path applies to its input before
// the transformer block; the inverse transform is applied after.
type resampleKind int

const (
	resampleNone resampleKind = iota
	resampleUnshuffle
	resampleShuffle
)

// pathSpec fully describes one path. Specs are derived once from the
// configuration; Forward only interprets them, it never branches on
// direction or median again.
type pathSpec struct {
	scope string

	// resample is applied to the channels-first feature map on the way in;
	// the inverse is applied on the way out.
	resample resampleKind
	factor   int

	// workingDim is the feature width seen by the path's transformer block.
	workingDim int
}

// pathSpecs derives the descriptor of every path. It returns a *ConfigError
// when a path's feature width would not be a positive integer or would not
// split across the attention heads.
func (c *Config) pathSpecs() ([]pathSpec, error) {
	median := c.median()
	specs := make([]pathSpec, c.NumPath)
	for i := 1; i <= c.NumPath; i++ {
		spec := pathSpec{
			scope:      fmt.Sprintf("path_%d", i),
			workingDim: c.HiddenSize,
		}
		switch c.Direction {
		case DirectionMirror:
			switch {
			case i < median:
				spec.resample = resampleUnshuffle
				spec.factor = c.PixShufFactor * i
			case i > median:
				spec.resample = resampleShuffle
				spec.factor = c.PixShufFactor * (i - median)
			}
		case DirectionDownsample:
			if i > 1 {
				spec.resample = resampleUnshuffle
				spec.factor = c.PixShufFactor * (i - 1)
			}
		case DirectionUpsample:
			if i > 1 {
				spec.resample = resampleShuffle
				spec.factor = c.PixShufFactor * (i - 1)
			}
		}
		switch spec.resample {
		case resampleUnshuffle:
			spec.workingDim = c.HiddenSize * spec.factor * spec.factor
		case resampleShuffle:
			square := spec.factor * spec.factor
			if c.HiddenSize%square != 0 {
				return nil, configErrorf(fmt.Sprintf("path %d width", i),
					"HiddenSize=%d is not divisible by the squared shuffle factor %d", c.HiddenSize, square)
			}
			spec.workingDim = c.HiddenSize / square
		}
		if spec.workingDim%c.Block.NumHeads != 0 {
			return nil, configErrorf(fmt.Sprintf("path %d width", i),
				"%d is not divisible by NumHeads=%d", spec.workingDim, c.Block.NumHeads)
		}
		specs[i-1] = spec
	}
	return specs, nil
}
