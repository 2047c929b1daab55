package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KV is the subset of the etcd client used by EtcdSink
type KV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdSink stores the latest report of every node under <prefix>/<hostname>
type EtcdSink struct {
	kv       KV
	closer   func() error
	prefix   string
	hostname string
	timeout  time.Duration
}

// NewEtcdSink connects to etcd
func NewEtcdSink(endpoints []string, dialTimeout time.Duration, prefix, hostname string) (*EtcdSink, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	sink := NewEtcdSinkWithKV(cli, prefix, hostname)
	sink.closer = cli.Close
	sink.timeout = dialTimeout
	return sink, nil
}

// NewEtcdSinkWithKV creates an EtcdSink on an existing client
func NewEtcdSinkWithKV(kv KV, prefix, hostname string) *EtcdSink {
	return &EtcdSink{kv: kv, prefix: strings.TrimRight(prefix, "/"), hostname: hostname}
}

// Close closes the etcd client connection
func (s *EtcdSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *EtcdSink) key(hostname string) string {
	return path.Join(s.prefix, hostname)
}

// Publish implements Sink
func (s *EtcdSink) Publish(ctx context.Context, r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.kv.Put(ctx, s.key(s.hostname), string(data)); err != nil {
		return fmt.Errorf("failed to save report to etcd: %w", err)
	}
	return nil
}

// Get retrieves the latest report of a node
func (s *EtcdSink) Get(ctx context.Context, hostname string) (*Report, error) {
	resp, err := s.kv.Get(ctx, s.key(hostname))
	if err != nil {
		return nil, fmt.Errorf("failed to get report from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("report not found: %s", hostname)
	}

	var r Report
	if err := json.Unmarshal(resp.Kvs[0].Value, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &r, nil
}

// List returns the latest report of every node keyed by hostname
func (s *EtcdSink) List(ctx context.Context) (map[string]Report, error) {
	resp, err := s.kv.Get(ctx, s.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list reports from etcd: %w", err)
	}

	reports := make(map[string]Report, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var r Report
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report %s: %w", kv.Key, err)
		}
		reports[strings.TrimPrefix(string(kv.Key), s.prefix+"/")] = r
	}
	return reports, nil
}
