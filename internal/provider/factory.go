package provider

import (
	"context"
	"fmt"
	"time"

	"havoc/internal/config"
	"havoc/internal/logging"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Clients holds the provider handles built from configuration.
// A nil field means that provider is disabled.
type Clients struct {
	EC2     EC2API
	Compute ComputeAPI
}

// NewClients builds a client for every enabled provider
func NewClients(ctx context.Context, cfg config.Config) (Clients, error) {
	var clients Clients

	if cfg.AWS.IsEnabled() {
		logging.Logger().Debug("Creating EC2 provider",
			zap.String("region", cfg.AWS.Region),
			zap.Bool("static_credentials", cfg.AWS.AccessKeyID != ""))
		client, err := NewEC2Client(ctx, cfg.AWS.Region, cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey)
		if err != nil {
			return Clients{}, err
		}
		clients.EC2 = client
	}

	if cfg.OpenStack.IsEnabled() {
		logging.Logger().Debug("Creating OpenStack provider",
			zap.String("auth_url", cfg.OpenStack.AuthURL),
			zap.String("user", cfg.OpenStack.Username))
		opts := gophercloud.AuthOptions{
			IdentityEndpoint: cfg.OpenStack.AuthURL,
			Username:         cfg.OpenStack.Username,
			Password:         cfg.OpenStack.Password,
			TenantID:         cfg.OpenStack.ProjectID,
			TenantName:       cfg.OpenStack.TenantName,
			DomainName:       cfg.OpenStack.DomainName,
		}
		clients.Compute = NewNovaClient(opts, cfg.OpenStack.Region, newRetryClient(cfg.OpenStack.MaxRetries, cfg.ProviderTimeout).StandardClient())
	}

	if clients.EC2 == nil && clients.Compute == nil {
		logging.Logger().Warn("No provider configured, every pool will be empty")
	}
	return clients, nil
}

// Adapters wraps the enabled clients in discovery adapters, AWS first
func (c Clients) Adapters(cfg config.Config) []Adapter {
	var adapters []Adapter
	if c.EC2 != nil {
		adapters = append(adapters, NewAWSAdapter(c.EC2, cfg.AWS.Suffix))
	}
	if c.Compute != nil {
		adapters = append(adapters, NewOpenStackAdapter(c.Compute, cfg.OpenStack.Suffix))
	}
	return adapters
}

// FiltersFromConfig extracts discovery filters
func FiltersFromConfig(cfg config.Config) Filters {
	return Filters{
		VPC:    cfg.AWS.VPC,
		Zone:   cfg.AWS.Zone,
		Tenant: cfg.OpenStack.ProjectID,
	}
}

func newRetryClient(maxRetries int, timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = retryLogger{}
	return client
}

// retryLogger adapts zap to retryablehttp.LeveledLogger
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...any) {
	logging.Logger().Sugar().Errorw(msg, keysAndValues...)
}

func (retryLogger) Warn(msg string, keysAndValues ...any) {
	logging.Logger().Sugar().Warnw(msg, keysAndValues...)
}

func (retryLogger) Info(msg string, keysAndValues ...any) {
	logging.Logger().Sugar().Debugw(msg, keysAndValues...)
}

func (retryLogger) Debug(msg string, keysAndValues ...any) {
	logging.Logger().Sugar().Debugw(msg, keysAndValues...)
}

var _ retryablehttp.LeveledLogger = retryLogger{}

// String names the enabled providers for startup logs
func (c Clients) String() string {
	return fmt.Sprintf("aws=%t openstack=%t", c.EC2 != nil, c.Compute != nil)
}
