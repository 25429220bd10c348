package tensor

import (
	"fmt"
)

// Any matches any extent in a wanted shape.
const Any = -1

// ShapeError reports a tensor whose shape violates a precondition. Inside
// the numerical core it is raised with panic; at API boundaries it is
// returned as an error.
type ShapeError struct {
	What string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: expected shape %s, got %v", e.What, formatWant(e.Want), e.Got)
}

// CheckShape returns a *ShapeError when got does not match want. Any in
// want matches every extent.
func CheckShape(what string, got []int, want ...int) error {
	if len(got) != len(want) {
		return &ShapeError{What: what, Want: want, Got: got}
	}
	for i := range want {
		if want[i] != Any && want[i] != got[i] {
			return &ShapeError{What: what, Want: want, Got: got}
		}
	}
	return nil
}

// MustShape panics with a *ShapeError when t does not match want.
func MustShape(what string, t Tensor, want ...int) {
	if err := CheckShape(what, t.Shape, want...); err != nil {
		panic(err)
	}
}

// MustIndexShape panics with a *ShapeError when x does not match want.
func MustIndexShape(what string, x Indices, want ...int) {
	if err := CheckShape(what, x.Shape, want...); err != nil {
		panic(err)
	}
}

func formatWant(want []int) string {
	s := "["
	for i, d := range want {
		if i > 0 {
			s += " "
		}
		if d == Any {
			s += "*"
		} else {
			s += fmt.Sprint(d)
		}
	}
	return s + "]"
}
