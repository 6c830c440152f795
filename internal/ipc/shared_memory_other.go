//go:build !linux

package ipc

// Create is not available on this platform
func Create(name string, size int) (*SharedMemory, error) {
	return nil, ErrUnsupportedPlatform
}

// Open is not available on this platform
func Open(name string) (*SharedMemory, error) {
	return nil, ErrUnsupportedPlatform
}

// UnlinkByName is not available on this platform
func UnlinkByName(name string) error {
	return ErrUnsupportedPlatform
}

// Close is a no-op; no region can be mapped on this platform
func (s *SharedMemory) Close() error {
	return nil
}
