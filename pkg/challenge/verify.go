package challenge

import (
	"context"
	"slices"
	"time"
)

// attempt ceilings per variant: handwriting is single-shot because OCR
// retries leak too much signal
var attemptCeilings = map[Kind]int{
	KindAbstract:    2,
	KindImageGrid:   2,
	KindHandwriting: 1,
}

func MaxAttempts(kind Kind) int {
	if n, ok := attemptCeilings[kind]; ok {
		return n
	}

	return 1
}

func (c *Challenge) Expired(tnow time.Time, ttl time.Duration) bool {
	return tnow.After(c.CreatedAt.Add(ttl))
}

func uniqueSorted(values []int) []int {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

// AdjudicateAbstract passes only the exact set of positive image ids.
func AdjudicateAbstract(c *Challenge, selections []int) bool {
	var positives []int
	for _, img := range c.Images {
		if img.Positive {
			positives = append(positives, img.ID)
		}
	}

	return slices.Equal(uniqueSorted(positives), uniqueSorted(selections))
}

// AdjudicateGrid passes only the exact set of correct cells, order and
// duplicates ignored.
func AdjudicateGrid(c *Challenge, selections []int) bool {
	return slices.Equal(uniqueSorted(c.CorrectCells), uniqueSorted(selections))
}

// TextPredictor is the OCR side of the model client.
type TextPredictor interface {
	PredictText(ctx context.Context, image []byte, lexicon []string) (string, error)
}

// AdjudicateHandwriting runs OCR over the submitted drawing and accepts
// any configured answer class. The recognized text is returned for
// logging; OCR failures surface, the verify path has no default.
func AdjudicateHandwriting(ctx context.Context, ocr TextPredictor, c *Challenge, image []byte) (bool, string, error) {
	text, err := ocr.PredictText(ctx, image, []string{c.TargetClass})
	if err != nil {
		return false, "", err
	}

	normalized := Normalize(text)
	for _, answer := range c.AnswerClasses {
		if normalized == Normalize(answer) {
			return true, text, nil
		}
	}

	return false, text, nil
}
