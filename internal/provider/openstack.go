package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"havoc/internal/logging"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"go.uber.org/zap"
)

// ComputeAPI is the subset of Nova used for discovery and tagging
type ComputeAPI interface {
	ListServers(ctx context.Context) ([]servers.Server, error)
	UpdateMetadata(ctx context.Context, serverID string, metadata map[string]string) error
}

// NovaClient implements ComputeAPI on gophercloud. Authentication happens on
// first use and is retried on later calls until it succeeds, so an
// unreachable Keystone at startup only costs the cycles it is down for.
type NovaClient struct {
	mu      sync.Mutex
	opts    gophercloud.AuthOptions
	region  string
	http    *http.Client
	compute *gophercloud.ServiceClient
}

// NewNovaClient creates a lazily authenticated Nova client
func NewNovaClient(opts gophercloud.AuthOptions, region string, httpClient *http.Client) *NovaClient {
	opts.AllowReauth = true
	return &NovaClient{opts: opts, region: region, http: httpClient}
}

func (n *NovaClient) serviceClient(ctx context.Context) (*gophercloud.ServiceClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.compute != nil {
		return n.compute, nil
	}

	pc, err := openstack.NewClient(n.opts.IdentityEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create openstack client: %w", err)
	}
	if n.http != nil {
		pc.HTTPClient = *n.http
	}
	if err := openstack.Authenticate(ctx, pc, n.opts); err != nil {
		return nil, fmt.Errorf("failed to authenticate against %s: %w", n.opts.IdentityEndpoint, err)
	}

	compute, err := openstack.NewComputeV2(pc, gophercloud.EndpointOpts{Region: n.region})
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	n.compute = compute
	return compute, nil
}

// ListServers returns every ACTIVE server visible to the project
func (n *NovaClient) ListServers(ctx context.Context) ([]servers.Server, error) {
	client, err := n.serviceClient(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := servers.List(client, servers.ListOpts{Status: "ACTIVE"}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return servers.ExtractServers(pages)
}

// UpdateMetadata merges metadata into the server's existing metadata
func (n *NovaClient) UpdateMetadata(ctx context.Context, serverID string, metadata map[string]string) error {
	client, err := n.serviceClient(ctx)
	if err != nil {
		return err
	}
	if _, err := servers.UpdateMetadata(ctx, client, serverID, servers.MetadataOpts(metadata)).Extract(); err != nil {
		return fmt.Errorf("failed to update metadata of %s: %w", serverID, err)
	}
	return nil
}

// OpenStackAdapter implements Adapter for Nova
type OpenStackAdapter struct {
	client ComputeAPI
	suffix string
}

// NewOpenStackAdapter creates an adapter. A nil client disables it.
func NewOpenStackAdapter(client ComputeAPI, suffix string) *OpenStackAdapter {
	return &OpenStackAdapter{client: client, suffix: suffix}
}

// Provider implements Adapter
func (a *OpenStackAdapter) Provider() ProviderTag {
	return ProviderOpenStack
}

// ListInstances returns the servers whose pool metadata equals pool.
// The metadata is checked here rather than trusted from a server-side filter.
func (a *OpenStackAdapter) ListInstances(ctx context.Context, pool string, filters Filters) ([]Instance, error) {
	if a.client == nil {
		logging.FromContext(ctx).Debug("Nova provider is not set up, no instances returned", zap.String("pool", pool))
		return nil, nil
	}
	if pool == "" {
		return nil, &DiscoveryError{Provider: ProviderOpenStack, Pool: pool, Err: errors.New("pool name is empty")}
	}

	logging.FromContext(ctx).Debug("OpenStack: looking up servers", zap.String("pool", pool))

	all, err := a.client.ListServers(ctx)
	if err != nil {
		return nil, &DiscoveryError{Provider: ProviderOpenStack, Pool: pool, Err: err}
	}

	var instances []Instance
	for _, server := range all {
		if server.Metadata["pool"] != pool {
			continue
		}
		if filters.Tenant != "" && server.TenantID != filters.Tenant {
			continue
		}

		address, ok := fixedAddress(server.Addresses)
		if !ok {
			logging.FromContext(ctx).Debug("Skipping server without fixed address",
				zap.String("server", server.Name),
				zap.String("id", server.ID),
				zap.String("pool", pool))
			continue
		}

		name := server.Name + a.suffix
		logging.FromContext(ctx).Debug("Found server for pool", zap.String("name", name), zap.String("pool", pool))
		instances = append(instances, NewInstance(ProviderOpenStack, pool, server.ID, name, address, server.Metadata))
	}
	return instances, nil
}

// fixedAddress returns the first fixed (non-floating) address, scanning
// networks in name order so the pick does not depend on map iteration.
func fixedAddress(addresses map[string]any) (string, bool) {
	networks := make([]string, 0, len(addresses))
	for name := range addresses {
		networks = append(networks, name)
	}
	sort.Strings(networks)

	for _, network := range networks {
		entries, ok := addresses[network].([]any)
		if !ok {
			continue
		}
		for _, entry := range entries {
			conf, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if kind, _ := conf["OS-EXT-IPS:type"].(string); kind != "fixed" {
				continue
			}
			if addr, _ := conf["addr"].(string); addr != "" {
				return addr, true
			}
		}
	}
	return "", false
}
