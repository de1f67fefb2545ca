package gpu

import (
	"context"
	"sync"
)

// FakeProvisioner hands out deterministic instance IDs without touching any
// cloud API. Local development and tests.
type FakeProvisioner struct {
	mu       sync.Mutex
	released []string
}

func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{}
}

func (f *FakeProvisioner) Provision(_ context.Context, req ProvisionRequest) (ProvisionResult, error) {
	return ProvisionResult{
		InstanceID:   "i-fake-" + req.SessionID,
		ImageID:      "ami-placeholder-" + req.Region,
		InstanceType: "g4dn.xlarge",
	}, nil
}

func (f *FakeProvisioner) Release(_ context.Context, req ReleaseRequest) error {
	f.mu.Lock()
	f.released = append(f.released, req.InstanceID)
	f.mu.Unlock()
	return nil
}

// Released reports the instance IDs torn down so far.
func (f *FakeProvisioner) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}
