package ops

import (
	"maps"
	"slices"

	"github.com/pkg/errors"

	"github.com/samcharles93/quill/internal/tensor"
)

// Factory builds an unbound operator from its definition.
type Factory func(env *Env, def Def) (Op, error)

// Registry maps operator kinds to factories. It is built explicitly and
// passed by reference; there is no package-level table.
type Registry struct {
	env       *Env
	factories map[Kind]Factory
}

// NewRegistry returns a registry holding the built-in operators.
func NewRegistry(env *Env) *Registry {
	r := &Registry{env: env, factories: make(map[Kind]Factory)}
	r.factories[KindConv2D] = func(env *Env, def Def) (Op, error) { return NewConv2D(env, def) }
	r.factories[KindFullyConnected] = func(env *Env, def Def) (Op, error) { return NewFullyConnected(env, def) }
	r.factories[KindPool2D] = func(env *Env, def Def) (Op, error) { return NewPool2D(env, def), nil }
	r.factories[KindAdd] = func(env *Env, def Def) (Op, error) { return NewAdd(env, def), nil }
	return r
}

// Register adds a factory. Kinds cannot be replaced.
func (r *Registry) Register(kind Kind, f Factory) error {
	if kind == "" || f == nil {
		return errors.New("register: empty kind or nil factory")
	}
	if _, ok := r.factories[kind]; ok {
		return errors.Errorf("register: kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Kinds lists the registered kinds in order.
func (r *Registry) Kinds() []Kind {
	return slices.Sorted(maps.Keys(r.factories))
}

// Env returns the context operators are built with.
func (r *Registry) Env() *Env { return r.env }

// Build constructs an operator for def.
func (r *Registry) Build(def Def) (Op, error) {
	f, ok := r.factories[def.Kind]
	if !ok {
		return nil, errors.Errorf("unknown operator kind %q", def.Kind)
	}
	op, err := f(r.env, def)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %q", def.Kind, def.Name)
	}
	return op, nil
}

// Prepare builds an operator and initializes it against in and out.
func (r *Registry) Prepare(def Def, in []*tensor.Tensor, out *tensor.Tensor) (Op, error) {
	op, err := r.Build(def)
	if err != nil {
		return nil, err
	}
	if err := op.Init(in, out); err != nil {
		return nil, errors.Wrapf(err, "init %s %q", def.Kind, def.Name)
	}
	return op, nil
}
