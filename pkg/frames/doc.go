// Package frames implements the 2D image operations applied to projection
// frames and volume slices before they are stitched: flips, padding to a
// common width, horizontal shifts, flat-field correction, percentile
// rescale and normalization by a background sample.
//
// Frames are gonum dense matrices with rows along the stitch axis (axis 0)
// and columns along the horizontal axis (axis 2). Every function returns a
// new matrix and leaves its inputs untouched.
package frames
