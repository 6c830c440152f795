// Package ipc provides named POSIX shared memory regions that several worker
// processes on one host can map at the same time.
package ipc

import (
	"errors"
	"math/rand/v2"
	"sync"
)

const (
	// anonymousPrefix starts every generated region name
	anonymousPrefix = "/avshm_"
	nameRandomLen   = 8
	nameAlphabet    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrUnsupportedPlatform is returned on systems without POSIX shared memory support
var ErrUnsupportedPlatform = errors.New("ipc: shared memory is not supported on this platform")

// Error records a failed shared memory operation and the region it concerned.
// Err is usually a syscall.Errno, so errors.Is works against fs.ErrNotExist,
// fs.ErrExist and the raw errno values.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return "ipc: " + e.Op + ": " + e.Err.Error()
	}
	return "ipc: " + e.Op + " " + e.Name + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// SharedMemory is one mapped shared memory region.
// The mapping stays valid until Close. Unlink removes the name only.
type SharedMemory struct {
	name string
	size int

	mu  sync.Mutex
	mem []byte
}

// Name returns the region name, including the leading slash
func (s *SharedMemory) Name() string { return s.name }

// Size returns the mapped size in bytes
func (s *SharedMemory) Size() int { return s.size }

// Bytes returns the mapped memory, or nil after Close
func (s *SharedMemory) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}

// Unlink removes the region name so no new process can attach to it.
// Existing mappings, including this one, stay valid.
func (s *SharedMemory) Unlink() error {
	return UnlinkByName(s.name)
}

// generateName returns a candidate name for an anonymous region.
// Replaced in tests to force collisions.
var generateName = func() string {
	b := make([]byte, nameRandomLen)
	for i := range b {
		b[i] = nameAlphabet[rand.IntN(len(nameAlphabet))]
	}
	return anonymousPrefix + string(b)
}

// normalizeName adds the leading slash POSIX shm names require
func normalizeName(name string) string {
	if name != "" && name[0] != '/' {
		return "/" + name
	}
	return name
}
