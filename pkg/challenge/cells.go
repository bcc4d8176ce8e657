package challenge

import (
	"slices"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/score"
)

const GridSize = 3

// gridBounds partitions [0, extent) with integer division, so the last
// cell absorbs the rounding remainder.
func gridBounds(extent int) [GridSize + 1]int {
	third := extent / GridSize
	return [GridSize + 1]int{0, third, third + third, extent}
}

func overlaps(lo1, hi1, lo2, hi2 float64) bool {
	return lo1 < hi2 && lo2 < hi1
}

// CellsFromBoxes labels a 3x3 grid from detection output. The target
// label is the class of the highest-confidence box; every cell whose
// rectangle has positive intersection area with any box of that class is
// a correct cell. Cells are numbered row-major from 1 to 9, the same
// domain the widget submits selections in.
func CellsFromBoxes(width, height int, boxes []score.Box) (string, []int) {
	if len(boxes) == 0 || width < GridSize || height < GridSize {
		return "", nil
	}

	top := boxes[0]
	for _, box := range boxes[1:] {
		if box.Conf > top.Conf {
			top = box
		}
	}

	xs := gridBounds(width)
	ys := gridBounds(height)

	marked := make(map[int]struct{})
	for _, box := range boxes {
		if box.ClassName != top.ClassName {
			continue
		}

		for row := range GridSize {
			for col := range GridSize {
				if overlaps(float64(xs[col]), float64(xs[col+1]), box.X1, box.X2) &&
					overlaps(float64(ys[row]), float64(ys[row+1]), box.Y1, box.Y2) {
					marked[row*GridSize+col+1] = struct{}{}
				}
			}
		}
	}

	cells := make([]int, 0, len(marked))
	for cell := range marked {
		cells = append(cells, cell)
	}
	slices.Sort(cells)

	return top.ClassName, cells
}
