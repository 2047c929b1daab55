package provider

import (
	"context"
	"fmt"
	"maps"
)

// ProviderTag identifies the cloud an instance was discovered in
type ProviderTag string

const (
	ProviderAWS       ProviderTag = "AWS"
	ProviderOpenStack ProviderTag = "OPENSTACK"
)

// Instance is the provider-agnostic record handed to the renderer.
// It is built once by an Adapter and only read afterwards.
type Instance struct {
	ID       string
	Name     string
	Address  string
	Provider ProviderTag
	Pool     string
	Metadata map[string]string
}

// NewInstance builds an Instance holding its own copy of metadata
func NewInstance(provider ProviderTag, pool, id, name, address string, metadata map[string]string) Instance {
	return Instance{
		ID:       id,
		Name:     name,
		Address:  address,
		Provider: provider,
		Pool:     pool,
		Metadata: maps.Clone(metadata),
	}
}

// Filters narrows discovery. Each adapter uses the fields its API supports.
type Filters struct {
	// VPC restricts EC2 instances to those tagged vpc=<VPC>
	VPC string
	// Zone restricts EC2 instances to one availability zone
	Zone string
	// Tenant restricts Nova servers to one tenant/project id
	Tenant string
}

// Adapter lists the instances of one pool in one cloud
type Adapter interface {
	Provider() ProviderTag
	ListInstances(ctx context.Context, pool string, filters Filters) ([]Instance, error)
}

// DiscoveryError is returned by an adapter when its provider could not be
// queried. It never aborts a reconciliation cycle.
type DiscoveryError struct {
	Provider ProviderTag
	Pool     string
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%s discovery failed for pool %q: %v", e.Provider, e.Pool, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
