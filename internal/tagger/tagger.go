package tagger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"havoc/internal/logging"
	"havoc/internal/provider"

	"github.com/alitto/pond/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"
)

// DefaultWorkers bounds concurrent tagging calls
const DefaultWorkers = 8

// Target is an instance selected for tagging
type Target struct {
	Provider provider.ProviderTag
	ID       string
	Hostname string
}

// Result is the outcome of tagging one target
type Result struct {
	Target
	Err error
}

// Tagger sets a tag on every instance whose hostname starts with a prefix
type Tagger struct {
	ec2     provider.EC2API
	compute provider.ComputeAPI
	zone    string
	workers int
}

// New creates a Tagger. A nil client skips that provider.
func New(ec2Client provider.EC2API, compute provider.ComputeAPI, zone string, workers int) *Tagger {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Tagger{ec2: ec2Client, compute: compute, zone: zone, workers: workers}
}

// Tag sets key=value on every matching instance. Listing failures are
// joined into the returned error. Per-instance failures are in the results.
func (t *Tagger) Tag(ctx context.Context, prefix, key, value string) ([]Result, error) {
	if prefix == "" || key == "" {
		return nil, errors.New("prefix and key are required")
	}

	var listErrs []error
	var targets []Target

	if t.ec2 != nil {
		found, err := t.ec2Targets(ctx, prefix)
		if err != nil {
			listErrs = append(listErrs, &provider.DiscoveryError{Provider: provider.ProviderAWS, Err: err})
		}
		targets = append(targets, found...)
	}
	if t.compute != nil {
		found, err := t.novaTargets(ctx, prefix)
		if err != nil {
			listErrs = append(listErrs, &provider.DiscoveryError{Provider: provider.ProviderOpenStack, Err: err})
		}
		targets = append(targets, found...)
	}

	logging.Logger().Info("Tagging instances",
		zap.String("prefix", prefix),
		zap.String("key", key),
		zap.String("value", value),
		zap.Int("targets", len(targets)))

	results := t.apply(ctx, targets, key, value)
	return results, errors.Join(listErrs...)
}

func (t *Tagger) apply(ctx context.Context, targets []Target, key, value string) []Result {
	pool := pond.NewPool(t.workers)

	var mu sync.Mutex
	results := make([]Result, 0, len(targets))

	for _, target := range targets {
		pool.Submit(func() {
			err := t.tagOne(ctx, target, key, value)
			if err != nil {
				logging.Logger().Error("Failed to tag instance",
					zap.String("provider", string(target.Provider)),
					zap.String("id", target.ID),
					zap.Error(err))
			} else {
				logging.Logger().Info("Instance tagged",
					zap.String("provider", string(target.Provider)),
					zap.String("id", target.ID),
					zap.String("hostname", target.Hostname))
			}

			mu.Lock()
			results = append(results, Result{Target: target, Err: err})
			mu.Unlock()
		})
	}
	pool.StopAndWait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Provider != results[j].Provider {
			return results[i].Provider < results[j].Provider
		}
		return results[i].ID < results[j].ID
	})
	return results
}

func (t *Tagger) tagOne(ctx context.Context, target Target, key, value string) error {
	switch target.Provider {
	case provider.ProviderAWS:
		_, err := t.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{target.ID},
			Tags:      []types.Tag{{Key: aws.String(key), Value: aws.String(value)}},
		})
		return err
	case provider.ProviderOpenStack:
		return t.compute.UpdateMetadata(ctx, target.ID, map[string]string{key: value})
	default:
		return fmt.Errorf("unknown provider %s", target.Provider)
	}
}

func (t *Tagger) ec2Targets(ctx context.Context, prefix string) ([]Target, error) {
	filters := []types.Filter{{Name: aws.String("tag:hostname"), Values: []string{prefix + "*"}}}
	if t.zone != "" {
		filters = append(filters, types.Filter{Name: aws.String("availability-zone"), Values: []string{t.zone}})
	}

	var targets []Target
	paginator := ec2.NewDescribeInstancesPaginator(t.ec2, &ec2.DescribeInstancesInput{Filters: filters})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return targets, err
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				hostname := tagValue(inst.Tags, "hostname")
				if !strings.HasPrefix(hostname, prefix) {
					continue
				}
				targets = append(targets, Target{Provider: provider.ProviderAWS, ID: aws.ToString(inst.InstanceId), Hostname: hostname})
			}
		}
	}
	return targets, nil
}

func (t *Tagger) novaTargets(ctx context.Context, prefix string) ([]Target, error) {
	all, err := t.compute.ListServers(ctx)
	if err != nil {
		return nil, err
	}

	var targets []Target
	for _, server := range all {
		hostname, ok := server.Metadata["hostname"]
		if !ok || !strings.Contains(hostname, prefix) {
			continue
		}
		targets = append(targets, Target{Provider: provider.ProviderOpenStack, ID: server.ID, Hostname: hostname})
	}
	return targets, nil
}

func tagValue(tags []types.Tag, key string) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == key {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

// Failed returns the results that carry an error
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}
