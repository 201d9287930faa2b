package autofocus

import (
	"context"

	"driftfocus/internal/focus"
)

// SliceRecord is the persisted form of one sweep position.
type SliceRecord struct {
	Index        int     `json:"index"`
	Z            float64 `json:"z"`
	TotalMatches int     `json:"totalMatches"`
	GoodMatches  int     `json:"goodMatches"`
	DXPixels     float64 `json:"dxPixels"`
	DYPixels     float64 `json:"dyPixels"`
	Error        string  `json:"error,omitempty"`
}

// Summary is the persisted outcome of a search.
type Summary struct {
	XVariance     float64 `json:"xVariance"`
	YVariance     float64 `json:"yVariance"`
	XCorrection   float64 `json:"xCorrection"`
	YCorrection   float64 `json:"yCorrection"`
	CorrectedX    float64 `json:"correctedX"`
	CorrectedY    float64 `json:"correctedY"`
	BestZ         float64 `json:"bestZ"`
	ElapsedMillis int64   `json:"elapsedMillis"`
}

// Report is handed to a Reporter once per successful search.
type Report struct {
	SearchID string        `json:"searchId"`
	Slices   []SliceRecord `json:"slices"`
	Summary  Summary       `json:"summary"`
}

// Reporter persists search reports.
type Reporter interface {
	ReportSearch(ctx context.Context, r Report) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, r Report) error

func (f ReporterFunc) ReportSearch(ctx context.Context, r Report) error { return f(ctx, r) }

// NewReport builds the report for a finished search.
func NewReport(o *Outcome) Report {
	res := o.Result
	r := Report{
		SearchID: res.SearchID,
		Slices:   make([]SliceRecord, len(res.Slices)),
		Summary: Summary{
			XVariance:     res.XVariance,
			YVariance:     res.YVariance,
			XCorrection:   res.XCorrection,
			YCorrection:   res.YCorrection,
			CorrectedX:    o.CorrectedX,
			CorrectedY:    o.CorrectedY,
			BestZ:         res.BestZ,
			ElapsedMillis: res.Elapsed.Milliseconds(),
		},
	}
	for i, s := range res.Slices {
		r.Slices[i] = sliceRecord(s)
	}
	return r
}

func sliceRecord(s focus.Slice) SliceRecord {
	rec := SliceRecord{
		Index:        s.Index,
		Z:            s.Z,
		TotalMatches: s.Sample.TotalMatches,
		GoodMatches:  s.Sample.GoodMatches,
		DXPixels:     s.Sample.DX,
		DYPixels:     s.Sample.DY,
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	return rec
}
