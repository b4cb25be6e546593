// Package cloudapi abstracts the handful of cloud-provider operations the
// ephemeral-VM backend needs: spin up/tear down a short-lived compute
// instance, and put/get/list/delete objects in the bucket used to mediate
// I/O with it. A concrete provider (Railway, Hetzner, or any other
// VM-plus-S3-compatible host) implements VMProvider; ObjectStore is backed
// directly by aws-sdk-go-v2 against any S3-compatible endpoint.
package cloudapi

import "context"

// VMSpec describes the instance to create for one ephemeral agent session.
type VMSpec struct {
	Image    string
	Region   string
	Env      map[string]string
	Label    string // used for lifecycle bookkeeping/debugging, not identity
}

// VM is a handle to a running instance.
type VM struct {
	ID        string
	PublicKey string // used to address it, if the provider exposes direct addressing
}

// VMProvider creates and destroys ephemeral compute instances.
type VMProvider interface {
	CreateVM(ctx context.Context, spec VMSpec) (VM, error)
	DeleteVM(ctx context.Context, id string) error
}

// ObjectStore is the subset of S3 semantics the ephemeral backend needs to
// mediate inbox/outbox/sync/workspace I/O with a VM that has no direct
// inbound network path.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
