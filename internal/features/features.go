// Package features defines the keypoint/descriptor/matcher contract used by
// drift estimation and an OpenCV implementation of it.
package features

import (
	"context"
	"errors"

	"driftfocus/internal/frame"
)

// Detector identifiers understood by the OpenCV engine.
const (
	DetectorORB   = "orb"
	DetectorAKAZE = "akaze"
	DetectorBRISK = "brisk"
	DetectorSIFT  = "sift"
)

// Matcher identifiers understood by the OpenCV engine.
const (
	MatcherBruteForce           = "bruteforce"
	MatcherBruteForceCrossCheck = "bruteforce-crosscheck"
	MatcherFLANN                = "flann"
)

// ErrUnknownAlgorithm is returned for an unsupported detector or matcher id.
var ErrUnknownAlgorithm = errors.New("features: unknown algorithm")

// Keypoint is a localized image feature.
type Keypoint struct {
	X, Y     float64
	Size     float64
	Angle    float64
	Response float64
	Octave   int
	ClassID  int
}

// Descriptors is a descriptor matrix with one row per keypoint. Implementations
// may hold native memory, so callers must Close them.
type Descriptors interface {
	Rows() int
	Close() error
}

// Match pairs a reference keypoint with a candidate keypoint. Lower distance
// means more similar descriptors.
type Match struct {
	RefIdx   int
	CandIdx  int
	Distance float64
}

// Engine detects, describes and matches features. Implementations hold no
// state across calls and are safe for concurrent use.
type Engine interface {
	DetectKeypoints(ctx context.Context, img frame.Image) ([]Keypoint, error)
	// ComputeDescriptors may drop keypoints it cannot describe (for example
	// near the border); it returns the keypoints that correspond row for row
	// to the descriptor matrix.
	ComputeDescriptors(ctx context.Context, img frame.Image, kps []Keypoint) ([]Keypoint, Descriptors, error)
	MatchDescriptors(ctx context.Context, ref, cand Descriptors) ([]Match, error)
}
