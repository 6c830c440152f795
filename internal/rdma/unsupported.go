package rdma

import "github.com/yuuki/actorvm/internal/msgpool"

// unsupportedDevice stands in on hosts without a usable adapter
type unsupportedDevice struct{}

func (unsupportedDevice) Name() string { return string(KindUnsupported) }

func (unsupportedDevice) RegisterMemory(size int, access msgpool.AccessFlags) (msgpool.MemoryRegion, error) {
	return nil, ErrUnsupported
}

func (unsupportedDevice) DeregisterMemory(mr msgpool.MemoryRegion) error {
	return ErrUnsupported
}

func (unsupportedDevice) CreateQueuePair(cfg QueuePairConfig) (QueuePair, error) {
	return nil, ErrUnsupported
}

func (unsupportedDevice) Close() error { return nil }
