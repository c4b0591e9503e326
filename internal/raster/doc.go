// Package raster owns the image data model shared by the stitcher, the warp
// engine and the pipeline.
//
// Responsibilities: the Raster sample buffer, the Strip acquisition unit and
// its scan direction, and lossless TIFF/PNG codecs used by tools and tests.
// Key types: Raster, Strip, ScanDirection.
//
// Ownership rule: a Raster belongs to exactly one component at a time.
// Handing a Raster on (queue push, snapshot) transfers it; callers that
// need to keep reading must Clone first.
package raster
