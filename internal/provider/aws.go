package provider

import (
	"context"
	"errors"
	"fmt"

	"havoc/internal/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"
)

// EC2API is the subset of the EC2 client used for discovery and tagging
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// NewEC2Client builds an EC2 client. Static credentials are used when an
// access key is given, otherwise the SDK default chain applies.
func NewEC2Client(ctx context.Context, region, accessKey, secretKey string) (*ec2.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

// AWSAdapter implements Adapter for EC2
type AWSAdapter struct {
	client EC2API
	suffix string
}

// NewAWSAdapter creates an adapter. A nil client disables it.
func NewAWSAdapter(client EC2API, suffix string) *AWSAdapter {
	return &AWSAdapter{client: client, suffix: suffix}
}

// Provider implements Adapter
func (a *AWSAdapter) Provider() ProviderTag {
	return ProviderAWS
}

// ListInstances returns the running instances tagged pool=<pool>
func (a *AWSAdapter) ListInstances(ctx context.Context, pool string, filters Filters) ([]Instance, error) {
	if a.client == nil {
		logging.FromContext(ctx).Debug("EC2 provider is not set up, no instances returned", zap.String("pool", pool))
		return nil, nil
	}
	if pool == "" {
		return nil, &DiscoveryError{Provider: ProviderAWS, Pool: pool, Err: errors.New("pool name is empty")}
	}

	logging.FromContext(ctx).Debug("AWS EC2: looking up instances", zap.String("pool", pool))

	input := &ec2.DescribeInstancesInput{Filters: ec2Filters(pool, filters)}
	paginator := ec2.NewDescribeInstancesPaginator(a.client, input)

	var instances []Instance
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &DiscoveryError{Provider: ProviderAWS, Pool: pool, Err: fmt.Errorf("failed to describe instances: %w", err)}
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				instances = append(instances, a.normalize(pool, inst))
			}
		}
	}
	return instances, nil
}

func ec2Filters(pool string, filters Filters) []types.Filter {
	out := []types.Filter{
		{Name: aws.String("tag:pool"), Values: []string{pool}},
		{Name: aws.String("instance-state-name"), Values: []string{string(types.InstanceStateNameRunning)}},
	}
	if filters.VPC != "" {
		out = append(out, types.Filter{Name: aws.String("tag:vpc"), Values: []string{filters.VPC}})
	}
	if filters.Zone != "" {
		out = append(out, types.Filter{Name: aws.String("availability-zone"), Values: []string{filters.Zone}})
	}
	return out
}

func (a *AWSAdapter) normalize(pool string, inst types.Instance) Instance {
	tags := make(map[string]string, len(inst.Tags))
	for _, tag := range inst.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}

	id := aws.ToString(inst.InstanceId)

	// The suffix only decorates hostname tags; fallbacks are already unique.
	name := firstNonEmpty(aws.ToString(inst.PublicDnsName), aws.ToString(inst.PublicIpAddress), id)
	if hostname, ok := tags["hostname"]; ok && hostname != "" {
		name = hostname + a.suffix
	}

	address := firstNonEmpty(
		aws.ToString(inst.PrivateIpAddress),
		aws.ToString(inst.PublicIpAddress),
		aws.ToString(inst.PublicDnsName),
	)

	return NewInstance(ProviderAWS, pool, id, name, address, tags)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
