// Package stitch assembles line-scan strips into a single growing composite.
//
// Responsibilities: the Stitcher state machine (Empty, Accumulating,
// Failed), pairwise alignment of each new strip against the trailing edge
// of the composite, copy-extend growth of the composite buffer, and
// ramp-weighted seam blending across the overlap band.
//
// Threading rule: AddStrip and Reset are called from the single goroutine
// that owns the stitcher. Snapshot, Stats, History and LastAlignment may be
// called from any goroutine; they return copies.
package stitch
