package challenge

import (
	"context"
	"fmt"
	"time"
)

// LabelledImage is the offline detection output the grid verifier
// depends on.
type LabelledImage struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	TargetLabel  string `json:"target_label"`
	CorrectCells []int  `json:"correct_cells"`
}

// LabelledSource yields one random pre-labelled image per call.
type LabelledSource interface {
	SampleLabelled(ctx context.Context) (*LabelledImage, error)
}

// questions for the frequent labels; anything else takes the template
var gridQuestions = map[string]string{
	"car":           "Select all squares that contain a car",
	"bus":           "Select all squares that contain a bus",
	"bicycle":       "Select all squares that contain a bicycle",
	"traffic light": "Select all squares that contain traffic lights",
	"person":        "Select all squares that contain a person",
}

func gridQuestion(label string) string {
	if q, ok := gridQuestions[label]; ok {
		return q
	}

	return fmt.Sprintf("Select all squares that contain: %s", label)
}

// GridBuilder issues a 3x3 selection challenge over one pre-labelled
// image.
type GridBuilder struct {
	Labelled LabelledSource
}

func (b *GridBuilder) Build(ctx context.Context) (*Challenge, error) {
	img, err := b.Labelled.SampleLabelled(ctx)
	if err != nil {
		return nil, err
	}
	if img == nil || len(img.CorrectCells) == 0 {
		return nil, ErrUnavailable
	}

	return &Challenge{
		ID:           newChallengeID(),
		Kind:         KindImageGrid,
		CreatedAt:    time.Now().UTC(),
		Question:     gridQuestion(img.TargetLabel),
		ImageURL:     img.URL,
		TargetLabel:  img.TargetLabel,
		CorrectCells: img.CorrectCells,
	}, nil
}
