package pool

import (
	"context"
	"errors"
	"sort"
	"time"

	"havoc/internal/logging"
	"havoc/internal/provider"

	"go.uber.org/zap"
)

const maxLoggedNames = 20

// Mapping maps every configured pool name to its instances.
// Each slice is sorted by provider, then id.
type Mapping map[string][]provider.Instance

// Counts returns the number of instances per pool
func (m Mapping) Counts() map[string]int {
	counts := make(map[string]int, len(m))
	for name, instances := range m {
		counts[name] = len(instances)
	}
	return counts
}

// Normalized returns a copy of m with every instance list in canonical order
func (m Mapping) Normalized() Mapping {
	out := make(Mapping, len(m))
	for name, instances := range m {
		sorted := make([]provider.Instance, len(instances))
		copy(sorted, instances)
		sortInstances(sorted)
		out[name] = sorted
	}
	return out
}

// Resolver queries every adapter for every pool
type Resolver struct {
	adapters []provider.Adapter
	filters  provider.Filters
	timeout  time.Duration

	// OnDiscoveryError is called once per failed adapter call
	OnDiscoveryError func(err *provider.DiscoveryError)
}

// NewResolver creates a Resolver. A zero timeout leaves calls bounded only by ctx.
func NewResolver(adapters []provider.Adapter, filters provider.Filters, timeout time.Duration) *Resolver {
	return &Resolver{adapters: adapters, filters: filters, timeout: timeout}
}

// Resolve builds a Mapping with one key per pool, even for pools without
// instances. Adapter failures are logged and contribute nothing.
func (r *Resolver) Resolve(ctx context.Context, pools []string) Mapping {
	mapping := make(Mapping, len(pools))

	log := logging.FromContext(ctx)

	for _, name := range pools {
		log.Debug("Resolving pool", zap.String("pool", name))

		instances := []provider.Instance{}
		for _, adapter := range r.adapters {
			found, err := r.list(ctx, adapter, name)
			if err != nil {
				r.discoveryFailed(log, adapter, name, err)
				continue
			}
			instances = append(instances, found...)
		}

		sortInstances(instances)
		mapping[name] = instances

		log.Debug("Pool resolved",
			zap.String("pool", name),
			zap.Int("instances", len(instances)),
			zap.Strings("names", logging.TruncateSlice(instanceNames(instances), maxLoggedNames)))
	}
	return mapping
}

func (r *Resolver) list(ctx context.Context, adapter provider.Adapter, pool string) ([]provider.Instance, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return adapter.ListInstances(ctx, pool, r.filters)
}

func (r *Resolver) discoveryFailed(log *zap.Logger, adapter provider.Adapter, pool string, err error) {
	var derr *provider.DiscoveryError
	if !errors.As(err, &derr) {
		derr = &provider.DiscoveryError{Provider: adapter.Provider(), Pool: pool, Err: err}
	}

	log.Error("Instance discovery failed, continuing without this provider",
		zap.String("pool", pool),
		zap.String("provider", string(derr.Provider)),
		zap.Error(derr.Err))

	if r.OnDiscoveryError != nil {
		r.OnDiscoveryError(derr)
	}
}

func instanceNames(instances []provider.Instance) []string {
	names := make([]string, len(instances))
	for i, inst := range instances {
		names[i] = inst.Name
	}
	return names
}

func sortInstances(instances []provider.Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		if instances[i].Provider != instances[j].Provider {
			return instances[i].Provider < instances[j].Provider
		}
		return instances[i].ID < instances[j].ID
	})
}
