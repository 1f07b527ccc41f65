package classifier

import (
	"github.com/kirillkom/doc-intake/internal/core/domain"
)

const (
	// correctionStep is the score change per recorded correction.
	correctionStep = 0.1
	// correctionCap bounds how many corrections influence one type.
	correctionCap = 5
	// confidenceDamping keeps confidence low when evidence is thin overall.
	confidenceDamping = 2.0
)

// MarginStrategy picks the highest biased score and derives confidence from
// the margin over the runner-up, damped by the absolute evidence:
//
//	confidence = (s1 - s2) / s1 * s1 / (s1 + 2)
//
// Exact ties go to the earlier type in domain.KnownDocTypes.
type MarginStrategy struct{}

func (MarginStrategy) Score(evidence map[domain.DocType]float64, corrections domain.CorrectionStats) domain.Classification {
	scores := make(map[domain.DocType]float64, len(evidence))
	for dt, s := range evidence {
		if s > 0 {
			scores[dt] = s * Bias(dt, corrections)
		}
	}

	var best, second float64
	winner := domain.DocTypeUnknown
	for _, dt := range domain.KnownDocTypes {
		s := scores[dt]
		switch {
		case s > best:
			second = best
			best = s
			winner = dt
		case s > second:
			second = s
		}
	}
	if best <= 0 {
		return domain.Classification{DocType: domain.DocTypeUnknown, Scores: scores}
	}

	confidence := (best - second) / best * best / (best + confidenceDamping)
	return domain.Classification{DocType: winner, Confidence: confidence, Scores: scores}
}

// Bias is the multiplier applied to a type's score from tenant corrections:
// it grows with corrections into the type and shrinks with corrections away
// from it, each capped.
func Bias(dt domain.DocType, corrections domain.CorrectionStats) float64 {
	into := min(corrections.Into[dt], correctionCap)
	away := min(corrections.Away[dt], correctionCap)
	return (1 + correctionStep*float64(into)) / (1 + correctionStep*float64(away))
}
