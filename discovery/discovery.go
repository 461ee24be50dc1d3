// Package discovery generalizes the teacher's registry.EtcdRegistry from a
// single TCP-RPC service namespace to all three wire transports: an
// Instance now carries the transport it was registered under, so a client
// can ask "who's serving this command over KCP" just as easily as over TCP.
// The etcd mechanics — TTL leases, KeepAlive, prefix Watch — are unchanged
// from the teacher; only the key shape and the advertised struct grew a
// Transport field.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/bx-d/rpcmux/connctx"
)

const keyPrefix = "/rpcmux"

// Instance is one advertised endpoint for a named service on one transport.
type Instance struct {
	Transport connctx.Transport `json:"transport"`
	Addr      string            `json:"addr"`
	Weight    int               `json:"weight"`
	Version   string            `json:"version"`
}

func instanceKey(service string, inst Instance) string {
	return fmt.Sprintf("%s/%s/%s/%s", keyPrefix, service, inst.Transport, inst.Addr)
}

func servicePrefix(service string, transport connctx.Transport) string {
	if transport == "" {
		return fmt.Sprintf("%s/%s/", keyPrefix, service)
	}
	return fmt.Sprintf("%s/%s/%s/", keyPrefix, service, transport)
}

// Directory is the service-discovery interface this module depends on, kept
// narrow so a mock can stand in for etcd in tests the way the teacher's
// MockRegistry does for client_test.go.
type Directory interface {
	Register(ctx context.Context, service string, inst Instance, ttlSeconds int64) error
	Deregister(ctx context.Context, service string, inst Instance) error
	Discover(ctx context.Context, service string, transport connctx.Transport) ([]Instance, error)
	Watch(ctx context.Context, service string, transport connctx.Transport) <-chan []Instance
}

// EtcdDirectory implements Directory using etcd v3, exercising
// go.etcd.io/etcd/client/v3 the same way the teacher's EtcdRegistry does:
// TTL lease + KeepAlive for registration, prefix Get for discovery, prefix
// Watch (re-fetch on any event) for change notification.
type EtcdDirectory struct {
	client *clientv3.Client
}

// NewEtcdDirectory dials etcd at the given endpoints.
func NewEtcdDirectory(endpoints []string) (*EtcdDirectory, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("discovery: connect etcd: %w", err)
	}
	return &EtcdDirectory{client: c}, nil
}

// Close releases the underlying etcd client connection.
func (d *EtcdDirectory) Close() error {
	return d.client.Close()
}

// Register advertises inst under service with a TTL lease, starting a
// background KeepAlive the way the teacher's Register does; the lease
// expiring (process crash, network partition) removes the entry without any
// explicit Deregister call.
func (d *EtcdDirectory) Register(ctx context.Context, service string, inst Instance, ttlSeconds int64) error {
	lease, err := d.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("discovery: marshal instance: %w", err)
	}

	if _, err := d.client.Put(ctx, instanceKey(service, inst), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: put: %w", err)
	}

	ch, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes inst immediately, ahead of its lease expiring.
// rpcconfig.Host.Shutdown does not call it; a host that advertised itself
// calls it on its own.
func (d *EtcdDirectory) Deregister(ctx context.Context, service string, inst Instance) error {
	_, err := d.client.Delete(ctx, instanceKey(service, inst))
	if err != nil {
		return fmt.Errorf("discovery: delete: %w", err)
	}
	return nil
}

// Discover lists every instance advertised for service. Passing an empty
// transport returns instances across all three transports; passing one
// narrows the prefix to just that transport's instances.
func (d *EtcdDirectory) Discover(ctx context.Context, service string, transport connctx.Transport) ([]Instance, error) {
	resp, err := d.client.Get(ctx, servicePrefix(service, transport), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: get: %w", err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch emits the full, refreshed instance list on every prefix change,
// mirroring the teacher's re-fetch-on-any-event approach rather than
// diffing individual watch events.
func (d *EtcdDirectory) Watch(ctx context.Context, service string, transport connctx.Transport) <-chan []Instance {
	out := make(chan []Instance, 1)
	prefix := servicePrefix(service, transport)

	go func() {
		defer close(out)
		watchChan := d.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := d.Discover(ctx, service, transport)
			if err != nil {
				continue
			}
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
