package features

import (
	"context"
	"fmt"
	"sort"

	"driftfocus/internal/frame"

	"gocv.io/x/gocv"
)

// Options selects the OpenCV algorithms.
type Options struct {
	Detector string
	Matcher  string
	// MaxFeatures keeps only the strongest keypoints by response; 0 keeps all.
	MaxFeatures int
}

// GoCV implements Engine on top of OpenCV. Detector and matcher instances are
// created per call so one GoCV value can serve many goroutines.
type GoCV struct {
	opts Options
}

type extractor interface {
	Detect(src gocv.Mat) []gocv.KeyPoint
	Compute(src gocv.Mat, mask gocv.Mat, kps []gocv.KeyPoint) ([]gocv.KeyPoint, gocv.Mat)
	Close() error
}

// NewGoCV validates the algorithm ids and returns an engine.
func NewGoCV(opts Options) (*GoCV, error) {
	if opts.Detector == "" {
		opts.Detector = DetectorORB
	}
	if opts.MaxFeatures < 0 {
		return nil, fmt.Errorf("features: negative max features %d", opts.MaxFeatures)
	}
	if opts.Matcher == "" {
		opts.Matcher = MatcherBruteForce
	}
	switch opts.Detector {
	case DetectorORB, DetectorAKAZE, DetectorBRISK, DetectorSIFT:
	default:
		return nil, fmt.Errorf("%w: detector %q", ErrUnknownAlgorithm, opts.Detector)
	}
	switch opts.Matcher {
	case MatcherBruteForce, MatcherBruteForceCrossCheck, MatcherFLANN:
	default:
		return nil, fmt.Errorf("%w: matcher %q", ErrUnknownAlgorithm, opts.Matcher)
	}
	return &GoCV{opts: opts}, nil
}

// Options returns the algorithm selection.
func (g *GoCV) Options() Options { return g.opts }

func (g *GoCV) newExtractor() extractor {
	switch g.opts.Detector {
	case DetectorAKAZE:
		a := gocv.NewAKAZE()
		return &a
	case DetectorBRISK:
		b := gocv.NewBRISK()
		return &b
	case DetectorSIFT:
		s := gocv.NewSIFT()
		return &s
	default:
		o := gocv.NewORB()
		return &o
	}
}

// binary reports whether the detector produces binary (Hamming) descriptors.
func (g *GoCV) binary() bool {
	return g.opts.Detector != DetectorSIFT
}

// DetectKeypoints finds keypoints on the 8-bit stretched image.
func (g *GoCV) DetectKeypoints(ctx context.Context, img frame.Image) ([]Keypoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := toMat(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	ext := g.newExtractor()
	defer ext.Close()

	return strongest(fromKeyPoints(ext.Detect(mat)), g.opts.MaxFeatures), nil
}

func strongest(kps []Keypoint, n int) []Keypoint {
	if n <= 0 || len(kps) <= n {
		return kps
	}
	sort.SliceStable(kps, func(i, j int) bool { return kps[i].Response > kps[j].Response })
	return kps[:n]
}

// ComputeDescriptors describes kps on img.
func (g *GoCV) ComputeDescriptors(ctx context.Context, img frame.Image, kps []Keypoint) ([]Keypoint, Descriptors, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	mat, err := toMat(img)
	if err != nil {
		return nil, nil, err
	}
	defer mat.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	ext := g.newExtractor()
	defer ext.Close()

	described, desc := ext.Compute(mat, mask, toKeyPoints(kps))
	if desc.Rows() != len(described) && !(desc.Empty() && len(described) == 0) {
		rows := desc.Rows()
		desc.Close()
		return nil, nil, fmt.Errorf("features: %d descriptor rows for %d keypoints", rows, len(described))
	}
	return fromKeyPoints(described), &matDescriptors{mat: desc}, nil
}

// MatchDescriptors matches ref (query) against cand (train).
func (g *GoCV) MatchDescriptors(ctx context.Context, ref, cand Descriptors) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rd, ok := ref.(*matDescriptors)
	if !ok {
		return nil, fmt.Errorf("features: reference descriptors of type %T", ref)
	}
	cd, ok := cand.(*matDescriptors)
	if !ok {
		return nil, fmt.Errorf("features: candidate descriptors of type %T", cand)
	}
	if rd.mat.Empty() || cd.mat.Empty() {
		return nil, nil
	}

	switch g.opts.Matcher {
	case MatcherFLANN:
		return g.matchFLANN(rd.mat, cd.mat), nil
	default:
		norm := gocv.NormHamming
		if !g.binary() {
			norm = gocv.NormL2
		}
		bf := gocv.NewBFMatcherWithParams(norm, g.opts.Matcher == MatcherBruteForceCrossCheck)
		defer bf.Close()
		return fromDMatches(bf.Match(rd.mat, cd.mat)), nil
	}
}

// matchFLANN runs a k=1 nearest neighbour search. The KD-tree index needs
// float descriptors, so binary descriptors are converted first.
func (g *GoCV) matchFLANN(ref, cand gocv.Mat) []Match {
	rf := gocv.NewMat()
	defer rf.Close()
	cf := gocv.NewMat()
	defer cf.Close()
	ref.ConvertTo(&rf, gocv.MatTypeCV32F)
	cand.ConvertTo(&cf, gocv.MatTypeCV32F)

	fm := gocv.NewFlannBasedMatcher()
	defer fm.Close()

	var out []Match
	for _, nn := range fm.KnnMatch(rf, cf, 1) {
		out = append(out, fromDMatches(nn)...)
	}
	return out
}

type matDescriptors struct {
	mat gocv.Mat
}

func (d *matDescriptors) Rows() int {
	if d.mat.Empty() {
		return 0
	}
	return d.mat.Rows()
}

func (d *matDescriptors) Close() error { return d.mat.Close() }

func toMat(img frame.Image) (gocv.Mat, error) {
	buf, err := img.Gray8()
	if err != nil {
		return gocv.Mat{}, err
	}
	return gocv.NewMatFromBytes(img.Height(), img.Width(), gocv.MatTypeCV8U, buf)
}

func fromKeyPoints(kps []gocv.KeyPoint) []Keypoint {
	out := make([]Keypoint, len(kps))
	for i, k := range kps {
		out[i] = Keypoint{
			X: k.X, Y: k.Y,
			Size: k.Size, Angle: k.Angle, Response: k.Response,
			Octave: k.Octave, ClassID: k.ClassID,
		}
	}
	return out
}

func toKeyPoints(kps []Keypoint) []gocv.KeyPoint {
	out := make([]gocv.KeyPoint, len(kps))
	for i, k := range kps {
		out[i] = gocv.KeyPoint{
			X: k.X, Y: k.Y,
			Size: k.Size, Angle: k.Angle, Response: k.Response,
			Octave: k.Octave, ClassID: k.ClassID,
		}
	}
	return out
}

func fromDMatches(ms []gocv.DMatch) []Match {
	out := make([]Match, len(ms))
	for i, m := range ms {
		out[i] = Match{RefIdx: m.QueryIdx, CandIdx: m.TrainIdx, Distance: m.Distance}
	}
	return out
}
