package train

import (
	"github.com/banshee-data/lesionseg/internal/tensor"
)

// IoUMeter accumulates intersection and union counts for one class over
// any number of batches.
type IoUMeter struct {
	Class        int
	Intersection int64
	Union        int64
}

// Add counts pred [B, N] against labels [B*N].
func (m *IoUMeter) Add(pred tensor.Indices, labels []int) {
	if pred.Len() != len(labels) {
		panic(&tensor.ShapeError{What: "labels", Want: []int{pred.Len()}, Got: []int{len(labels)}})
	}
	for i, p := range pred.Data {
		inP, inG := p == m.Class, labels[i] == m.Class
		if inP && inG {
			m.Intersection++
		}
		if inP || inG {
			m.Union++
		}
	}
}

// IoU is |P∩G| / |P∪G|, or 0 when neither set has a member.
func (m *IoUMeter) IoU() float64 {
	if m.Union == 0 {
		return 0
	}
	return float64(m.Intersection) / float64(m.Union)
}

// Reset clears the counts.
func (m *IoUMeter) Reset() {
	m.Intersection, m.Union = 0, 0
}
