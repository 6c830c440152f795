//go:build linux

package ipc

import (
	"errors"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// shmDir is where glibc's shm_open places its files
const shmDir = "/dev/shm"

// Create makes a new region of size bytes and maps it read/write.
// An empty name creates an anonymous region with a generated unique name.
// The memory is zero filled. Creating an existing name fails with EEXIST.
func Create(name string, size int) (*SharedMemory, error) {
	if size <= 0 {
		return nil, &Error{Op: "create", Name: name, Err: unix.EINVAL}
	}

	var (
		fd  int
		err error
	)
	if name == "" {
		for {
			name = generateName()
			fd, err = shmOpen(name, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
			if !errors.Is(err, unix.EEXIST) {
				break
			}
			log.Debug().Str("name", name).Msg("Shared memory name taken, retrying")
		}
	} else {
		name = normalizeName(name)
		fd, err = shmOpen(name, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	}
	if err != nil {
		return nil, &Error{Op: "create", Name: name, Err: err}
	}

	// The name is ours from here on; drop it again if setup fails
	cleanup := func() {
		unix.Close(fd)
		_ = unix.Unlink(shmDir + name)
	}

	if err := unix.Fallocate(fd, 0, 0, int64(size)); err != nil {
		cleanup()
		return nil, &Error{Op: "fallocate", Name: name, Err: err}
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, &Error{Op: "mmap", Name: name, Err: err}
	}
	unix.Close(fd)
	clear(mem)

	log.Debug().Str("name", name).Int("size", size).Msg("Created shared memory region")
	return newSharedMemory(name, mem), nil
}

// Open attaches to an existing region. The size is taken from the region.
func Open(name string) (*SharedMemory, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, &Error{Op: "open", Name: name, Err: unix.EINVAL}
	}

	fd, err := shmOpen(name, unix.O_RDWR, 0)
	if err != nil {
		return nil, &Error{Op: "open", Name: name, Err: err}
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, &Error{Op: "fstat", Name: name, Err: err}
	}
	if st.Size <= 0 {
		return nil, &Error{Op: "open", Name: name, Err: unix.EINVAL}
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Name: name, Err: err}
	}

	log.Debug().Str("name", name).Int("size", len(mem)).Msg("Attached to shared memory region")
	return newSharedMemory(name, mem), nil
}

// UnlinkByName removes a region name without needing a mapping
func UnlinkByName(name string) error {
	name = normalizeName(name)
	if err := validateName(name); err != nil {
		return &Error{Op: "unlink", Name: name, Err: err}
	}
	if err := unix.Unlink(shmDir + name); err != nil {
		return &Error{Op: "unlink", Name: name, Err: err}
	}
	return nil
}

// Close unmaps the region. Calling it again is a no-op.
func (s *SharedMemory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mem == nil {
		return nil
	}
	if err := unix.Munmap(s.mem); err != nil {
		return &Error{Op: "munmap", Name: s.name, Err: err}
	}
	s.mem = nil
	runtime.SetFinalizer(s, nil)
	return nil
}

func newSharedMemory(name string, mem []byte) *SharedMemory {
	s := &SharedMemory{name: name, size: len(mem), mem: mem}
	runtime.SetFinalizer(s, (*SharedMemory).finalize)
	return s
}

// onFinalize runs after the finalizer unmapped a region. Set in tests.
var onFinalize atomic.Pointer[func(*SharedMemory)]

func (s *SharedMemory) finalize() {
	log.Warn().Str("name", s.name).Msg("Shared memory region was not closed; unmapping")
	if err := s.Close(); err != nil {
		log.Panic().Err(err).Str("name", s.name).Msg("ipc: failed to unmap unreachable region")
	}
	if hook := onFinalize.Load(); hook != nil {
		(*hook)(s)
	}
}

func validateName(name string) error {
	if len(name) < 2 || strings.Contains(name[1:], "/") {
		return unix.EINVAL
	}
	return nil
}

func shmOpen(name string, flags int, mode uint32) (int, error) {
	if err := validateName(name); err != nil {
		return -1, err
	}
	return unix.Open(shmDir+name, flags|unix.O_CLOEXEC|unix.O_NOFOLLOW, mode)
}
