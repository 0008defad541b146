// Package multiway implements a multi-scale, multi-path transformer block.
//
// A MultiWayBlock runs several self-attention paths over the same token
// sequence, each at a different spatial resolution: tokens are mapped to a
// channels-first feature map, resampled with pixel shuffle / unshuffle,
// processed by a transformer block at the resampled width, and resampled
// back. The per-path results are fused by summation or by concatenation
// followed by a learned projection.
//
// All operations build GoMLX computation graphs: they take a *context.Context
// for variables (weights) and *graph.Node values, and are meant to be called
// from a model graph function. Configuration problems are reported as
// *ConfigError from constructors; shape problems detected while building the
// graph panic with *ShapeError, following GoMLX's graph error model
// (recoverable with the exceptions package).
package multiway
