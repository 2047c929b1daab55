package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is given.
const DefaultPath = "/etc/havoc/config.yaml"

// DefaultInterval is the wait between two reconciliation cycles when the
// configured interval cannot be parsed.
const DefaultInterval = 5 * time.Minute

// Config contains application configuration.
// It is resolved once at startup and passed by value into every component.
type Config struct {
	// Backend pools rendered into the HAProxy configuration
	Pools PoolList `yaml:"pools" env:"HAVOC_POOLS"`

	// Template and deployed configuration paths
	Template     string `yaml:"template" env:"HAVOC_TEMPLATE"`
	TemplateVars string `yaml:"template_vars" env:"HAVOC_TEMPLATE_VARS"`
	HAProxyCfg   string `yaml:"haproxy_cfg" env:"HAVOC_HAPROXY_CFG"`
	Service      string `yaml:"service" env:"HAVOC_SERVICE"`

	// Scalar template parameters
	Hostname   string `yaml:"log_send_hostname" env:"HAVOC_LOG_SEND_HOSTNAME"`
	CPUs       int    `yaml:"cpus" env:"HAVOC_CPUS"`
	SystemCPUs int    `yaml:"system_cpus" env:"HAVOC_SYSTEM_CPUS"`

	// Scheduling and apply behaviour
	Interval           string        `yaml:"interval" env:"HAVOC_INTERVAL"`
	DryRun             bool          `yaml:"dry_run" env:"HAVOC_DRY_RUN"`
	ReloadFailureFatal bool          `yaml:"reload_failure_fatal" env:"HAVOC_RELOAD_FAILURE_FATAL"`
	ProviderTimeout    time.Duration `yaml:"provider_timeout" env:"HAVOC_PROVIDER_TIMEOUT"`
	WatchTemplate      bool          `yaml:"watch_template" env:"HAVOC_WATCH_TEMPLATE"`

	// Reporting endpoints, all optional
	ReportFile  string `yaml:"report_file" env:"HAVOC_REPORT_FILE"`
	HealthAddr  string `yaml:"health_addr" env:"HAVOC_HEALTH_ADDR"`
	MetricsAddr string `yaml:"metrics_addr" env:"HAVOC_METRICS_ADDR"`
	LogFile     string `yaml:"log_file" env:"LOG_FILE"`

	AWS       AWSConfig       `yaml:"aws"`
	OpenStack OpenStackConfig `yaml:"openstack"`
	Etcd      EtcdConfig      `yaml:"etcd"`
}

// AWSConfig holds EC2 discovery settings
type AWSConfig struct {
	// Enabled turns on discovery with the default credential chain when no static key is set
	Enabled         bool   `yaml:"enabled" env:"HAVOC_AWS_ENABLED"`
	AccessKeyID     string `yaml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	Region          string `yaml:"region" env:"AWS_REGION"`
	Zone            string `yaml:"zone" env:"HAVOC_AWS_ZONE"`
	VPC             string `yaml:"vpc" env:"HAVOC_AWS_VPC"`
	Suffix          string `yaml:"suffix" env:"HAVOC_AWS_SUFFIX"`
}

// OpenStackConfig holds Nova discovery settings
type OpenStackConfig struct {
	AuthURL    string `yaml:"auth_url" env:"OS_AUTH_URL"`
	Username   string `yaml:"username" env:"OS_USERNAME"`
	Password   string `yaml:"password" env:"OS_PASSWORD"`
	ProjectID  string `yaml:"project_id" env:"OS_PROJECT_ID"`
	TenantName string `yaml:"tenant_name" env:"OS_TENANT_NAME"`
	DomainName string `yaml:"domain_name" env:"OS_USER_DOMAIN_NAME"`
	Region     string `yaml:"region" env:"OS_REGION_NAME"`
	Suffix     string `yaml:"suffix" env:"HAVOC_OS_SUFFIX"`
	MaxRetries int    `yaml:"max_retries" env:"HAVOC_OS_MAX_RETRIES"`
}

// EtcdConfig configures the optional etcd report sink
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints" env:"ETCD_ENDPOINTS" envSeparator:","`
	Prefix      string        `yaml:"prefix" env:"HAVOC_ETCD_PREFIX"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"HAVOC_ETCD_DIAL_TIMEOUT"`
}

// IsEnabled reports whether EC2 discovery should be set up
func (a AWSConfig) IsEnabled() bool { return a.Enabled || a.AccessKeyID != "" }

// IsEnabled reports whether Nova discovery should be set up
func (o OpenStackConfig) IsEnabled() bool { return o.Username != "" }

// PoolList is a list of pool names. It accepts either a YAML list or a
// comma-delimited string, the format used by the --pools flag.
type PoolList []string

// UnmarshalYAML implements yaml.Unmarshaler
func (p *PoolList) UnmarshalYAML(unmarshal func(any) error) error {
	var list []string
	if err := unmarshal(&list); err == nil {
		*p = ParsePools(strings.Join(list, ","))
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("pools must be a list or a comma-delimited string: %w", err)
	}
	*p = ParsePools(s)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler for the env overlay
func (p *PoolList) UnmarshalText(text []byte) error {
	*p = ParsePools(string(text))
	return nil
}

// ParsePools splits a comma-delimited pool list, trimming blanks and dropping
// empty and duplicate names while keeping the first-seen order.
func ParsePools(s string) PoolList {
	seen := make(map[string]bool)
	var pools PoolList
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		pools = append(pools, name)
	}
	return pools
}

// Default returns the configuration used before the file and environment are applied
func Default() Config {
	return Config{
		Template:        "/etc/haproxy/haproxy.cfg.tmpl",
		HAProxyCfg:      "/etc/haproxy/haproxy.cfg",
		Service:         "haproxy",
		CPUs:            1,
		SystemCPUs:      0,
		Interval:        "5min",
		ProviderTimeout: 30 * time.Second,
		AWS: AWSConfig{
			Region: "us-east-1",
			Suffix: "_aws",
		},
		OpenStack: OpenStackConfig{
			Suffix:     "_os",
			MaxRetries: 3,
		},
		Etcd: EtcdConfig{
			Prefix:      "/havoc/nodes",
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file and the environment.
// An empty path falls back to CONFIG_PATH and then DefaultPath; only an
// explicitly requested file is required to exist.
func Load(path string) (*Config, error) {
	config := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults and environment only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in string fields
	config.Template = os.ExpandEnv(config.Template)
	config.TemplateVars = os.ExpandEnv(config.TemplateVars)
	config.HAProxyCfg = os.ExpandEnv(config.HAProxyCfg)
	config.Hostname = os.ExpandEnv(config.Hostname)
	config.ReportFile = os.ExpandEnv(config.ReportFile)
	config.AWS.AccessKeyID = os.ExpandEnv(config.AWS.AccessKeyID)
	config.AWS.SecretAccessKey = os.ExpandEnv(config.AWS.SecretAccessKey)
	config.OpenStack.Password = os.ExpandEnv(config.OpenStack.Password)

	// Override with environment variables if set
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return &config, nil
}

// Validate checks the parameters every reconciliation cycle depends on
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("pools is not defined (set pools in the config file, HAVOC_POOLS or --pools)")
	}
	if c.Template == "" {
		return fmt.Errorf("template path is required")
	}
	if c.HAProxyCfg == "" {
		return fmt.Errorf("haproxy_cfg path is required")
	}
	if c.Service == "" {
		return fmt.Errorf("service name is required")
	}
	if c.CPUs < 0 || c.SystemCPUs < 0 {
		return fmt.Errorf("cpus and system_cpus must not be negative")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("provider_timeout must be positive, got %s", c.ProviderTimeout)
	}
	if c.OpenStack.IsEnabled() && c.OpenStack.AuthURL == "" {
		return fmt.Errorf("openstack auth_url is required when openstack username is set")
	}
	return nil
}

var legacyInterval = regexp.MustCompile(`^(\d+)(sec|min|hour)$`)

// ParseInterval accepts Go durations ("90s", "5m") and the legacy
// "<n>sec|min|hour" format. Anything else yields DefaultInterval.
func ParseInterval(s string) time.Duration {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	m := legacyInterval.FindStringSubmatch(s)
	if m == nil {
		return DefaultInterval
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return DefaultInterval
	}
	unit := map[string]time.Duration{
		"sec":  time.Second,
		"min":  time.Minute,
		"hour": time.Hour,
	}[m[2]]
	if int64(n) > math.MaxInt64/int64(unit) {
		return DefaultInterval
	}
	return time.Duration(n) * unit
}
