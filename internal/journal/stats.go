package journal

import (
	"github.com/montanaflynn/stats"
)

// Summary is a statistical digest of a set of journal entries, used by
// status reporting to answer "how is replication trending" without a
// separate metrics store.
type Summary struct {
	Count            int
	OKCount          int
	PartialCount     int
	FailedCount      int
	MeanBytes        float64
	MedianDurationMS float64
	P95DurationMS    float64
}

// Summarize computes a Summary over entries, using
// github.com/montanaflynn/stats for the median/percentile math rather
// than hand-rolling a selection algorithm.
func Summarize(entries []Entry) (Summary, error) {
	var s Summary
	s.Count = len(entries)
	if s.Count == 0 {
		return s, nil
	}

	byteVals := make(stats.Float64Data, 0, len(entries))
	durVals := make(stats.Float64Data, 0, len(entries))
	for _, e := range entries {
		switch e.Status {
		case "ok":
			s.OKCount++
		case "partial":
			s.PartialCount++
		case "failed":
			s.FailedCount++
		}
		byteVals = append(byteVals, float64(e.BytesTransferred))
		durVals = append(durVals, float64(e.DurationMS))
	}

	meanBytes, err := byteVals.Mean()
	if err != nil {
		return s, err
	}
	medianDur, err := durVals.Median()
	if err != nil {
		return s, err
	}
	p95Dur, err := durVals.Percentile(95)
	if err != nil {
		return s, err
	}

	s.MeanBytes = meanBytes
	s.MedianDurationMS = medianDur
	s.P95DurationMS = p95Dur
	return s, nil
}
