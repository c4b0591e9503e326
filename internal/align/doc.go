// Package align estimates the translation between two overlapping raster
// bands.
//
// The estimate is a frequency-domain phase correlation refined to sub-pixel
// precision, validated by a spatial normalised cross-correlation that
// provides a confidence score in [0, 1]. Alignment failure is a value
// (Result.Success == false), never a panic or an error: callers decide
// whether to drop the strip or fall back to a zero offset.
package align
