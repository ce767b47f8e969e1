package ops

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/samcharles93/quill/internal/conv"
	"github.com/samcharles93/quill/internal/errs"
	"github.com/samcharles93/quill/internal/quant"
	"github.com/samcharles93/quill/internal/tensor"
)

// Op is a bound operator. Init runs once against representative operands
// and fixes the kernel; Exec runs it on operands of the same shapes.
type Op interface {
	Kind() Kind
	Init(in []*tensor.Tensor, out *tensor.Tensor) error
	Exec(in []*tensor.Tensor, out *tensor.Tensor) error
}

// Kind names an operator type in a Registry.
type Kind string

const (
	KindConv2D         Kind = "conv2d"
	KindFullyConnected Kind = "fully_connected"
	KindPool2D         Kind = "pool2d"
	KindAdd            Kind = "add"
)

// Algorithm is the convolution variant a caller asks for.
type Algorithm uint8

const (
	AlgoAuto Algorithm = iota
	AlgoWinograd
	AlgoDepthwise
	AlgoGEMM
	AlgoDirect
)

var algorithmNames = [...]string{"auto", "winograd", "depthwise", "gemm", "direct"}

func (a Algorithm) String() string {
	if int(a) < len(algorithmNames) {
		return algorithmNames[a]
	}
	return "algorithm(?)"
}

// ParseAlgorithm accepts the names String produces; empty means auto.
func ParseAlgorithm(s string) (Algorithm, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return AlgoAuto, nil
	}
	for i, n := range algorithmNames {
		if n == name {
			return Algorithm(i), nil
		}
	}
	return AlgoAuto, errors.Errorf("unknown algorithm %q (expected auto, winograd, depthwise, gemm or direct)", s)
}

func (a Algorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// PoolMode selects the pooling reduction.
type PoolMode uint8

const (
	PoolMax PoolMode = iota
	PoolAvg
)

func (m PoolMode) String() string {
	if m == PoolAvg {
		return "avg"
	}
	return "max"
}

// Def is the constant description of one operator: its kind, parameters
// and constant operands. Fields that do not apply to a kind are ignored.
type Def struct {
	Kind Kind
	Name string

	Conv      conv.Params
	Algorithm Algorithm
	Pool      PoolMode
	// Global pools over the full spatial extent, ignoring the window in Conv.
	Global bool

	Weights *tensor.Tensor
	Bias    *tensor.Tensor
}

// execFunc is a bound kernel invocation.
type execFunc func(in, out *tensor.Tensor) error

// typed adapts a slice kernel to tensors, checking dtypes on every call.
func typed[EI, O any](run func(in []EI, out []O) error) execFunc {
	return func(in, out *tensor.Tensor) error {
		x, err := tensor.Data[EI](in)
		if err != nil {
			return err
		}
		y, err := tensor.Data[O](out)
		if err != nil {
			return err
		}
		return run(x, y)
	}
}

// binding is the state every operator keeps between Init and Exec.
type binding struct {
	kind     Kind
	name     string
	inputs   int
	inShapes []tensor.Shape
	inTypes  []tensor.DType
	inLayout []tensor.Layout
	outShape tensor.Shape
	outType  tensor.DType
	exec     execFunc
	bound    bool
}

func (b *binding) reset() {
	b.exec, b.bound = nil, false
}

func (b *binding) record(in []*tensor.Tensor, out *tensor.Tensor) {
	b.inShapes = b.inShapes[:0]
	b.inTypes = b.inTypes[:0]
	b.inLayout = b.inLayout[:0]
	for _, t := range in {
		b.inShapes = append(b.inShapes, t.Shape.Clone())
		b.inTypes = append(b.inTypes, t.DType)
		b.inLayout = append(b.inLayout, t.Layout)
	}
	b.outShape = out.Shape.Clone()
	b.outType = out.DType
	b.bound = true
}

func (b *binding) checkArity(in []*tensor.Tensor, out *tensor.Tensor) error {
	if len(in) != b.inputs {
		return errs.Shape("%s takes %d inputs, got %d", b.kind, b.inputs, len(in))
	}
	for i, t := range in {
		if t == nil {
			return errs.Shape("%s input %d is nil", b.kind, i)
		}
		if err := t.Validate(); err != nil {
			return errors.Wrapf(err, "%s input %d", b.kind, i)
		}
	}
	if out == nil {
		return errs.Shape("%s output is nil", b.kind)
	}
	return errors.Wrapf(out.Validate(), "%s output", b.kind)
}

// check verifies operands against the Init-time record.
func (b *binding) check(in []*tensor.Tensor, out *tensor.Tensor) error {
	if !b.bound {
		return errors.Errorf("%s %q: Exec before Init", b.kind, b.name)
	}
	if len(in) != len(b.inShapes) {
		return errs.Shape("%s takes %d inputs, got %d", b.kind, len(b.inShapes), len(in))
	}
	for i, t := range in {
		if t == nil || !t.Shape.Equal(b.inShapes[i]) || t.DType != b.inTypes[i] || t.Layout != b.inLayout[i] {
			return errs.Shape("%s input %d differs from the operand it was initialized with", b.kind, i)
		}
	}
	if out == nil || !out.Shape.Equal(b.outShape) || out.DType != b.outType {
		return errs.Shape("%s output differs from the operand it was initialized with", b.kind)
	}
	return nil
}

// run checks the operands and runs exec on the first input.
func (b *binding) run(in []*tensor.Tensor, out *tensor.Tensor) error {
	if err := b.check(in, out); err != nil {
		return err
	}
	return b.exec(in[0], out)
}

// tensorQuant is a per-tensor record with the saturation range of its dtype.
type tensorQuant struct {
	Scale     float32
	ZeroPoint int32
	Range     quant.Range
}

// quantRecord returns t's single per-tensor record.
func quantRecord(t *tensor.Tensor, what string) (*tensorQuant, error) {
	if len(t.Quant) != 1 {
		return nil, errs.Quant("%s needs one per-tensor quant record, has %d", what, len(t.Quant))
	}
	q := t.Quant[0]
	if err := q.Validate(); err != nil {
		return nil, errors.Wrap(err, what)
	}
	r, ok := t.DType.Range()
	if !ok {
		return nil, errs.Dtype("%s is %s, not quantized", what, t.DType)
	}
	if !r.Contains(q.ZeroPoint) {
		return nil, errs.Quant("%s zero point %d outside [%d, %d]", what, q.ZeroPoint, r.Lo, r.Hi)
	}
	return &tensorQuant{Scale: q.Scale, ZeroPoint: q.ZeroPoint, Range: r}, nil
}
