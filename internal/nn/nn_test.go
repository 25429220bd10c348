package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/banshee-data/lesionseg/internal/tensor"
)

func randomTensor(rng *rand.Rand, shape ...int) tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func dot(a, b tensor.Tensor) float64 {
	var s float64
	for i := range a.Data {
		s += float64(a.Data[i]) * float64(b.Data[i])
	}
	return s
}

// numericGrad estimates d(sum(f(x)*g))/dv[i] by central differences.
func numericGrad(v []float32, i int, loss func() float64) float64 {
	const h = 1e-3
	orig := v[i]
	v[i] = orig + h
	plus := loss()
	v[i] = orig - h
	minus := loss()
	v[i] = orig
	return (plus - minus) / (2 * h)
}

func TestModeString(t *testing.T) {
	if Eval.String() != "eval" || Train.String() != "train" {
		t.Errorf("unexpected mode names %q %q", Eval, Train)
	}
	if got := Mode(7).String(); got != "Mode(7)" {
		t.Errorf("Mode(7).String() = %q", got)
	}
}

func TestConv1x1_ForwardHandComputed(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	c := NewConv1x1("c", 2, 1, 1, true, rng)
	copy(c.Weight.Value, []float32{2, -1})
	c.Bias.Value[0] = 0.5

	x := tensor.FromData([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3) // channel 0: 1 2 3, channel 1: 4 5 6
	y := c.Forward(x)

	want := []float32{2*1 - 4 + 0.5, 2*2 - 5 + 0.5, 2*3 - 6 + 0.5}
	if len(y.Data) != 3 {
		t.Fatalf("output shape %v", y.Shape)
	}
	for i := range want {
		if math.Abs(float64(y.Data[i]-want[i])) > 1e-6 {
			t.Errorf("y[%d] = %v, want %v", i, y.Data[i], want[i])
		}
	}
}

func TestConv1x1_WeightShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	c1 := NewConv1x1("a", 3, 8, 1, false, rng)
	c2 := NewConv1x1("b", 3, 8, 2, true, rng)
	if got := c1.Weight.Shape; len(got) != 3 || got[0] != 8 || got[1] != 3 || got[2] != 1 {
		t.Errorf("1-D weight shape %v", got)
	}
	if got := c2.Weight.Shape; len(got) != 4 {
		t.Errorf("2-D weight shape %v", got)
	}
	if c1.Bias != nil || len(c1.Params()) != 1 {
		t.Errorf("bias-free conv should have one param")
	}
	bound := float32(1 / math.Sqrt(3))
	for _, v := range c2.Weight.Value {
		if v < -bound || v > bound {
			t.Fatalf("weight %v outside +-%v", v, bound)
		}
	}
}

func TestConv1x1_BackwardMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 3))
	c := NewConv1x1("c", 3, 4, 2, true, rng)
	x := randomTensor(rng, 2, 3, 2, 5)
	g := randomTensor(rng, 2, 4, 2, 5)

	dx := c.Backward(x, g)
	loss := func() float64 { return dot(c.Forward(x), g) }

	for _, i := range []int{0, 5, 11} {
		if want := numericGrad(c.Weight.Value, i, loss); math.Abs(want-float64(c.Weight.Grad[i])) > 1e-2 {
			t.Errorf("dW[%d] = %v, numeric %v", i, c.Weight.Grad[i], want)
		}
	}
	if want := numericGrad(c.Bias.Value, 2, loss); math.Abs(want-float64(c.Bias.Grad[2])) > 1e-2 {
		t.Errorf("db[2] = %v, numeric %v", c.Bias.Grad[2], want)
	}
	for _, i := range []int{0, 17, 59} {
		if want := numericGrad(x.Data, i, loss); math.Abs(want-float64(dx.Data[i])) > 1e-2 {
			t.Errorf("dx[%d] = %v, numeric %v", i, dx.Data[i], want)
		}
	}
}

func TestConv1x1_WrongChannelsPanics(t *testing.T) {
	c := NewConv1x1("c", 3, 4, 1, false, rand.New(rand.NewPCG(0, 0)))
	defer func() {
		r := recover()
		if _, ok := r.(*tensor.ShapeError); !ok {
			t.Fatalf("expected *tensor.ShapeError panic, got %v", r)
		}
	}()
	c.Forward(tensor.New(1, 5, 10))
}

func TestBatchNorm_TrainNormalizesAndTracksStatistics(t *testing.T) {
	bn := NewBatchNorm("bn", 2)
	// channel 0 holds 1..4, channel 1 holds 10 everywhere
	x := tensor.FromData([]float32{1, 2, 10, 10, 3, 4, 10, 10}, 2, 2, 2)

	y, tr := bn.Forward(x, Train)
	if tr == nil {
		t.Fatal("Train forward returned nil trace")
	}
	var mean, sq float64
	for _, off := range []int{0, 1, 4, 5} {
		mean += float64(y.Data[off])
	}
	mean /= 4
	for _, off := range []int{0, 1, 4, 5} {
		d := float64(y.Data[off]) - mean
		sq += d * d
	}
	if math.Abs(mean) > 1e-5 || math.Abs(sq/4-1) > 1e-3 {
		t.Errorf("channel 0 mean %v variance %v", mean, sq/4)
	}
	for _, off := range []int{2, 3, 6, 7} {
		if y.Data[off] != 0 {
			t.Errorf("constant channel normalized to %v, want 0", y.Data[off])
		}
	}

	// running_mean = 0.9*0 + 0.1*2.5; running_var = 0.9*1 + 0.1*unbiased(1.6667)
	if got := bn.RunningMean.Value[0]; math.Abs(float64(got)-0.25) > 1e-6 {
		t.Errorf("running mean %v, want 0.25", got)
	}
	if got := bn.RunningVar.Value[0]; math.Abs(float64(got)-(0.9+0.1*5.0/3.0)) > 1e-5 {
		t.Errorf("running var %v, want %v", got, 0.9+0.1*5.0/3.0)
	}
	if got := bn.RunningMean.Value[1]; math.Abs(float64(got)-1) > 1e-6 {
		t.Errorf("constant channel running mean %v, want 1", got)
	}
	if bn.Batches != 1 {
		t.Errorf("Batches = %d, want 1", bn.Batches)
	}
}

func TestBatchNorm_EvalUsesRunningStatisticsOnly(t *testing.T) {
	bn := NewBatchNorm("bn", 1)
	bn.RunningMean.Value[0] = 2
	bn.RunningVar.Value[0] = 4
	bn.Gamma.Value[0] = 3
	bn.Beta.Value[0] = 1
	x := tensor.FromData([]float32{2, 4, 6}, 1, 1, 3)

	y, tr := bn.Forward(x, Eval)
	if tr != nil {
		t.Error("Eval forward should not return a trace")
	}
	inv := 1 / math.Sqrt(4+DefaultEpsilon)
	for i, v := range []float64{2, 4, 6} {
		want := 3*(v-2)*inv + 1
		if math.Abs(float64(y.Data[i])-want) > 1e-5 {
			t.Errorf("y[%d] = %v, want %v", i, y.Data[i], want)
		}
	}
	if bn.RunningMean.Value[0] != 2 || bn.RunningVar.Value[0] != 4 || bn.Batches != 0 {
		t.Error("Eval forward mutated running statistics")
	}
}

func TestBatchNorm_ModesDisagreeOnSameInput(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	bn := NewBatchNorm("bn", 3)
	x := randomTensor(rng, 2, 3, 16)
	for i := range x.Data {
		x.Data[i] = x.Data[i]*5 + 3
	}
	yEval, _ := bn.Forward(x, Eval)
	yTrain, _ := bn.Forward(x, Train)
	if dot(yEval, yEval) == dot(yTrain, yTrain) {
		t.Error("train and eval outputs should differ before statistics converge")
	}
}

func TestBatchNorm_BackwardMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	bn := NewBatchNorm("bn", 2)
	bn.Gamma.Value[0], bn.Gamma.Value[1] = 1.5, -0.5
	bn.Beta.Value[0] = 0.2
	x := randomTensor(rng, 3, 2, 4)
	g := randomTensor(rng, 3, 2, 4)

	_, tr := bn.Forward(x, Train)
	dx := bn.Backward(tr, g)
	loss := func() float64 {
		y, _ := bn.Forward(x, Train)
		return dot(y, g)
	}

	for _, i := range []int{0, 5, 13, 23} {
		if want := numericGrad(x.Data, i, loss); math.Abs(want-float64(dx.Data[i])) > 1e-2 {
			t.Errorf("dx[%d] = %v, numeric %v", i, dx.Data[i], want)
		}
	}
	for c := 0; c < 2; c++ {
		if want := numericGrad(bn.Gamma.Value, c, loss); math.Abs(want-float64(bn.Gamma.Grad[c])) > 1e-2 {
			t.Errorf("dGamma[%d] = %v, numeric %v", c, bn.Gamma.Grad[c], want)
		}
		if want := numericGrad(bn.Beta.Value, c, loss); math.Abs(want-float64(bn.Beta.Grad[c])) > 1e-2 {
			t.Errorf("dBeta[%d] = %v, numeric %v", c, bn.Beta.Grad[c], want)
		}
	}
}

func TestReLUBackward(t *testing.T) {
	x := tensor.FromData([]float32{-1, 0, 2}, 1, 1, 3)
	y := ReLU(x)
	dx := ReLUBackward(y, tensor.FromData([]float32{5, 5, 5}, 1, 1, 3))
	want := []float32{0, 0, 5}
	for i := range want {
		if y.Data[i] < 0 || dx.Data[i] != want[i] {
			t.Errorf("index %d: y=%v dx=%v", i, y.Data[i], dx.Data[i])
		}
	}
}

func TestDropout(t *testing.T) {
	x := tensor.New(1, 1, 10000)
	for i := range x.Data {
		x.Data[i] = 1
	}
	d := Dropout{P: 0.5}

	y, tr := d.Forward(x, Eval, nil)
	if tr != nil || &y.Data[0] != &x.Data[0] {
		t.Error("Eval dropout should be the identity")
	}

	y, tr = d.Forward(x, Train, rand.New(rand.NewPCG(7, 7)))
	var kept int
	for _, v := range y.Data {
		switch v {
		case 0:
		case 2:
			kept++
		default:
			t.Fatalf("survivor scaled to %v, want 2", v)
		}
	}
	if kept < 4700 || kept > 5300 {
		t.Errorf("kept %d of 10000 at p=0.5", kept)
	}
	dx := d.Backward(tr, x)
	for i := range dx.Data {
		if dx.Data[i] != y.Data[i] {
			t.Fatalf("backward mask disagrees with forward at %d", i)
		}
	}
}

func TestSharedMLP_NamesShapesAndModes(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	m := NewSharedMLP2d("sa1.mlp", []int{3, 8, 16}, rng)
	if m.In() != 3 || m.Out() != 16 {
		t.Fatalf("In/Out = %d/%d", m.In(), m.Out())
	}

	var names []string
	for _, p := range m.Params() {
		names = append(names, p.Name)
	}
	for _, p := range m.Buffers() {
		names = append(names, p.Name)
	}
	want := []string{
		"sa1.mlp.net.0.weight", "sa1.mlp.net.1.weight", "sa1.mlp.net.1.bias",
		"sa1.mlp.net.3.weight", "sa1.mlp.net.4.weight", "sa1.mlp.net.4.bias",
		"sa1.mlp.net.1.running_mean", "sa1.mlp.net.1.running_var",
		"sa1.mlp.net.4.running_mean", "sa1.mlp.net.4.running_var",
	}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("name[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	x := randomTensor(rng, 2, 3, 5, 4)
	y, tr := m.Forward(x, Eval)
	if tr != nil {
		t.Error("Eval forward returned a trace")
	}
	if got := y.Shape; len(got) != 4 || got[0] != 2 || got[1] != 16 || got[2] != 5 || got[3] != 4 {
		t.Fatalf("output shape %v, want [2 16 5 4]", got)
	}
	for _, v := range y.Data {
		if v < 0 {
			t.Fatal("ReLU output is negative")
		}
	}

	_, tr = m.Forward(x, Train)
	dx := m.Backward(tr, randomTensor(rng, 2, 16, 5, 4))
	if len(dx.Shape) != 4 || dx.Shape[1] != 3 || !dx.AllFinite() {
		t.Errorf("input gradient shape %v", dx.Shape)
	}
	var nonzero bool
	for _, v := range m.Params()[0].Grad {
		if v != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		t.Error("first conv received no gradient")
	}
	for _, p := range m.Params() {
		p.ZeroGrad()
		for _, v := range p.Grad {
			if v != 0 {
				t.Fatalf("%s not cleared", p.Name)
			}
		}
	}
}
