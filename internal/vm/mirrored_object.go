package vm

import (
	"fmt"
	"sync/atomic"
)

var nextObjectID atomic.Uint64

// MirroredObject is the dependency tracking representative of one aspect of a
// tensor's readiness. The scheduler orders accesses per MirroredObject.
type MirroredObject struct {
	id   uint64
	name string
}

// NewMirroredObject creates an object with a process-unique id
func NewMirroredObject(name string) *MirroredObject {
	return &MirroredObject{id: nextObjectID.Add(1), name: name}
}

// ID returns the process-unique id
func (o *MirroredObject) ID() uint64 { return o.id }

// Name returns the label given at construction
func (o *MirroredObject) Name() string { return o.name }

func (o *MirroredObject) String() string {
	return fmt.Sprintf("%s#%d", o.name, o.id)
}

// LocalDepObject holds the infer (metadata) and compute (data) aspects for one
// tensor in one execution context. Instructions reference it, they never own it.
type LocalDepObject struct {
	infer   *MirroredObject
	compute *MirroredObject
}

// NewLocalDepObject creates the pair of mirrored objects for a tensor
func NewLocalDepObject(name string) *LocalDepObject {
	return &LocalDepObject{
		infer:   NewMirroredObject(name + ".infer"),
		compute: NewMirroredObject(name + ".compute"),
	}
}

// Infer returns the metadata readiness object
func (d *LocalDepObject) Infer() *MirroredObject { return d.infer }

// Compute returns the data readiness object
func (d *LocalDepObject) Compute() *MirroredObject { return d.compute }
