//go:build !(linux && cgo && rdma)

package rdma

import "fmt"

func openVerbsDevice(cfg DeviceConfig) (Device, error) {
	return nil, fmt.Errorf("verbs backend not compiled in (build with -tags rdma): %w", ErrUnsupported)
}
