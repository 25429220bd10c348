package tensor

// ChannelsFirst permutes [B, d1..dk, C] into [B, C, d1..dk].
func ChannelsFirst(t Tensor) Tensor {
	if t.Rank() < 3 {
		panic(&ShapeError{What: "channels-first permute", Want: []int{Any, Any, Any}, Got: t.Shape})
	}
	b := t.Shape[0]
	c := t.Shape[t.Rank()-1]
	inner := Numel(t.Shape[1 : t.Rank()-1])

	shape := make([]int, 0, t.Rank())
	shape = append(shape, b, c)
	shape = append(shape, t.Shape[1:t.Rank()-1]...)
	out := New(shape...)

	for bi := 0; bi < b; bi++ {
		src := t.Data[bi*inner*c : (bi+1)*inner*c]
		dst := out.Data[bi*inner*c : (bi+1)*inner*c]
		for i := 0; i < inner; i++ {
			row := src[i*c : (i+1)*c]
			for ci, v := range row {
				dst[ci*inner+i] = v
			}
		}
	}
	return out
}

// ChannelsLast permutes [B, C, d1..dk] into [B, d1..dk, C].
func ChannelsLast(t Tensor) Tensor {
	if t.Rank() < 3 {
		panic(&ShapeError{What: "channels-last permute", Want: []int{Any, Any, Any}, Got: t.Shape})
	}
	b := t.Shape[0]
	c := t.Shape[1]
	inner := Numel(t.Shape[2:])

	shape := make([]int, 0, t.Rank())
	shape = append(shape, b)
	shape = append(shape, t.Shape[2:]...)
	shape = append(shape, c)
	out := New(shape...)

	for bi := 0; bi < b; bi++ {
		src := t.Data[bi*inner*c : (bi+1)*inner*c]
		dst := out.Data[bi*inner*c : (bi+1)*inner*c]
		for ci := 0; ci < c; ci++ {
			plane := src[ci*inner : (ci+1)*inner]
			for i, v := range plane {
				dst[i*c+ci] = v
			}
		}
	}
	return out
}

// ConcatChannels joins [B, Ca, rest...] and [B, Cb, rest...] along axis 1,
// a first.
func ConcatChannels(a, b Tensor) Tensor {
	if a.Rank() != b.Rank() || a.Rank() < 2 || a.Shape[0] != b.Shape[0] {
		panic(&ShapeError{What: "channel concat", Want: a.Shape, Got: b.Shape})
	}
	for i := 2; i < a.Rank(); i++ {
		if a.Shape[i] != b.Shape[i] {
			panic(&ShapeError{What: "channel concat", Want: a.Shape, Got: b.Shape})
		}
	}
	batch := a.Shape[0]
	sa := len(a.Data) / batch
	sb := len(b.Data) / batch

	shape := cloneShape(a.Shape)
	shape[1] = a.Shape[1] + b.Shape[1]
	out := New(shape...)
	for bi := 0; bi < batch; bi++ {
		dst := out.Data[bi*(sa+sb):]
		copy(dst[:sa], a.Data[bi*sa:(bi+1)*sa])
		copy(dst[sa:sa+sb], b.Data[bi*sb:(bi+1)*sb])
	}
	return out
}

// SplitChannels is the inverse of ConcatChannels: it returns channels
// [0, c) and [c, C) of a [B, C, rest...] tensor as new tensors.
func SplitChannels(t Tensor, c int) (Tensor, Tensor) {
	if t.Rank() < 2 || c < 0 || c > t.Shape[1] {
		panic(&ShapeError{What: "channel split", Want: []int{Any, c}, Got: t.Shape})
	}
	batch := t.Shape[0]
	inner := Numel(t.Shape[2:])
	total := t.Shape[1]

	headShape := cloneShape(t.Shape)
	headShape[1] = c
	tailShape := cloneShape(t.Shape)
	tailShape[1] = total - c
	head := New(headShape...)
	tail := New(tailShape...)

	sh := c * inner
	st := (total - c) * inner
	for bi := 0; bi < batch; bi++ {
		src := t.Data[bi*(sh+st):]
		copy(head.Data[bi*sh:(bi+1)*sh], src[:sh])
		copy(tail.Data[bi*st:(bi+1)*st], src[sh:sh+st])
	}
	return head, tail
}

// AddInPlace accumulates src into dst element-wise.
func AddInPlace(dst, src Tensor) {
	if len(dst.Data) != len(src.Data) {
		panic(&ShapeError{What: "accumulate", Want: dst.Shape, Got: src.Shape})
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
}
