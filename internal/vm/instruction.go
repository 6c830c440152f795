package vm

import (
	"context"
	"time"
)

// ExecFunc is the body of an instruction
type ExecFunc func(ctx context.Context) error

// Instruction is a unit of work whose operands describe the mirrored objects
// it reads and writes. Exec runs once every access has been granted.
type Instruction struct {
	Name     string
	Operands []Operand
	Exec     ExecFunc

	done        chan struct{}
	err         error
	submittedAt time.Time
	accesses    []*access
	pending     int
}

// NewInstruction creates an instruction ready for submission
func NewInstruction(name string, exec ExecFunc, operands ...Operand) *Instruction {
	return &Instruction{Name: name, Exec: exec, Operands: operands}
}

// Done is closed once the instruction has completed or was abandoned by Stop
func (i *Instruction) Done() <-chan struct{} {
	return i.done
}

// Err returns the error of the body. Only valid after Done is closed.
func (i *Instruction) Err() error {
	return i.err
}

func (i *Instruction) finish(err error) {
	i.err = err
	close(i.done)
}

// objectAccess is the combined intent of one instruction on one object
type objectAccess struct {
	object *MirroredObject
	write  bool
}

// collectAccesses flattens every operand's enumerators into one entry per
// object. A write wins over a read of the same object.
func (i *Instruction) collectAccesses() []objectAccess {
	index := make(map[*MirroredObject]int)
	var out []objectAccess

	add := func(obj *MirroredObject, write bool) {
		if obj == nil {
			return
		}
		if idx, ok := index[obj]; ok {
			out[idx].write = out[idx].write || write
			return
		}
		index[obj] = len(out)
		out = append(out, objectAccess{object: obj, write: write})
	}
	addList := func(l AccessList, write bool) {
		for n := 0; n < l.Len(); n++ {
			p := l.At(n)
			add(p.Infer, write)
			add(p.Compute, write)
		}
	}

	for _, op := range i.Operands {
		if op == nil {
			continue
		}
		addList(op.ForEachConstMirroredObject(), false)
		addList(op.ForEachMutMirroredObject(), true)
		addList(op.ForEachMut2MirroredObject(), true)
	}
	return out
}
