// Package gpu is the provisioning backend: acquiring and releasing the GPU
// instances that back sessions.
package gpu

import "context"

type ProvisionRequest struct {
	SessionID string
	OwnerID   string
	Region    string
}

type ProvisionResult struct {
	InstanceID   string
	ImageID      string
	InstanceType string
}

type ReleaseRequest struct {
	SessionID  string
	OwnerID    string
	Region     string
	InstanceID string
}

// Provisioner acquires and tears down GPU capacity. Provision blocks until
// the instance is running or the attempt fails; callers run it off the
// request path and report completion through the registry's transition
// entry point.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error)
	Release(ctx context.Context, req ReleaseRequest) error
}
