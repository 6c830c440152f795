package vm

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Modifier is the access tag of an operand
type Modifier uint8

const (
	// ModifierConst is a read-only access
	ModifierConst Modifier = iota + 1
	// ModifierMut is an exclusive write
	ModifierMut
	// ModifierMut2 is a write that is read again by the same instruction
	ModifierMut2
)

// String returns the string representation of the Modifier
func (m Modifier) String() string {
	switch m {
	case ModifierConst:
		return "const"
	case ModifierMut:
		return "mut"
	case ModifierMut2:
		return "mut2"
	default:
		return fmt.Sprintf("modifier(%d)", uint8(m))
	}
}

// IsWrite reports whether the access excludes every other access
func (m Modifier) IsWrite() bool {
	return m == ModifierMut || m == ModifierMut2
}

// ParseModifier converts "const", "mut" or "mut2" to a Modifier
func ParseModifier(s string) (Modifier, error) {
	switch s {
	case "const":
		return ModifierConst, nil
	case "mut":
		return ModifierMut, nil
	case "mut2":
		return ModifierMut2, nil
	default:
		return 0, fmt.Errorf("invalid operand modifier %q", s)
	}
}

// AccessPair names the infer and compute objects touched by one access.
// Infer is nil when the operand kind has no metadata dependency.
type AccessPair struct {
	Infer   *MirroredObject
	Compute *MirroredObject
}

const inlineAccesses = 2

// AccessList is a small collection of AccessPairs. The first few pairs live
// inline so the common single-access case does not allocate.
type AccessList struct {
	inline [inlineAccesses]AccessPair
	n      int
	spill  []AccessPair
}

// Add appends a pair
func (l *AccessList) Add(infer, compute *MirroredObject) {
	p := AccessPair{Infer: infer, Compute: compute}
	if l.n < inlineAccesses {
		l.inline[l.n] = p
	} else {
		l.spill = append(l.spill, p)
	}
	l.n++
}

// Len returns the number of pairs
func (l AccessList) Len() int { return l.n }

// At returns the i-th pair
func (l AccessList) At(i int) AccessPair {
	if i < 0 || i >= l.n {
		panic(fmt.Sprintf("vm: access index %d out of range [0,%d)", i, l.n))
	}
	if i < inlineAccesses {
		return l.inline[i]
	}
	return l.spill[i-inlineAccesses]
}

// Pairs returns a copy of all pairs in insertion order
func (l AccessList) Pairs() []AccessPair {
	out := make([]AccessPair, 0, l.n)
	for i := 0; i < l.n; i++ {
		out = append(out, l.At(i))
	}
	return out
}

// Operand reports which mirrored objects an instruction touches and how.
// Implementations never mutate dependency state.
type Operand interface {
	ForEachConstMirroredObject() AccessList
	ForEachMutMirroredObject() AccessList
	ForEachMut2MirroredObject() AccessList
}

// BlobAccessOperand is a local access to one tensor's data under a single
// modifier. Only the list matching the modifier is populated, with a nil infer
// object.
type BlobAccessOperand struct {
	modifier Modifier
	dep      *LocalDepObject
}

// NewBlobAccessOperand creates an operand touching dep's compute object
func NewBlobAccessOperand(dep *LocalDepObject, modifier Modifier) *BlobAccessOperand {
	switch modifier {
	case ModifierConst, ModifierMut, ModifierMut2:
	default:
		log.Panic().Stringer("modifier", modifier).Msg("vm: operand constructed with an invalid modifier")
	}
	return &BlobAccessOperand{modifier: modifier, dep: dep}
}

// Modifier returns the access tag
func (o *BlobAccessOperand) Modifier() Modifier { return o.modifier }

func (o *BlobAccessOperand) ForEachConstMirroredObject() AccessList {
	return o.accessesFor(ModifierConst)
}

func (o *BlobAccessOperand) ForEachMutMirroredObject() AccessList {
	return o.accessesFor(ModifierMut)
}

func (o *BlobAccessOperand) ForEachMut2MirroredObject() AccessList {
	return o.accessesFor(ModifierMut2)
}

func (o *BlobAccessOperand) accessesFor(m Modifier) AccessList {
	var l AccessList
	if o.modifier == m {
		l.Add(nil, o.dep.Compute())
	}
	return l
}

// EagerBlobOperand is the operand of an eagerly executed kernel. Inputs are
// read, outputs written, and mut2 outputs written then read back. Every access
// carries both the infer and the compute object.
type EagerBlobOperand struct {
	inputs      []*LocalDepObject
	outputs     []*LocalDepObject
	mut2Outputs []*LocalDepObject
}

// NewEagerBlobOperand creates an operand over the given tensors
func NewEagerBlobOperand(inputs, outputs, mut2Outputs []*LocalDepObject) *EagerBlobOperand {
	return &EagerBlobOperand{inputs: inputs, outputs: outputs, mut2Outputs: mut2Outputs}
}

func (o *EagerBlobOperand) ForEachConstMirroredObject() AccessList {
	return pairsOf(o.inputs)
}

func (o *EagerBlobOperand) ForEachMutMirroredObject() AccessList {
	return pairsOf(o.outputs)
}

func (o *EagerBlobOperand) ForEachMut2MirroredObject() AccessList {
	return pairsOf(o.mut2Outputs)
}

func pairsOf(deps []*LocalDepObject) AccessList {
	var l AccessList
	for _, d := range deps {
		l.Add(d.Infer(), d.Compute())
	}
	return l
}
