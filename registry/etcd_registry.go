// Package registry provides the etcd-based service registry.
//
// etcd is a distributed key-value store with strong consistency (Raft). We
// use it as a phonebook for services:
//
//	Key:   /keepalive-rpc/{service}
//	Value: the address serving that service, e.g. "127.0.0.1:9000"
//
// Registration uses TTL-based leases: if the server crashes, the lease
// expires and the entry is removed automatically — preventing "ghost"
// endpoints that nothing serves anymore.
package registry

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/keepalive-rpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register records addr as the endpoint for service, attached to a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease automatically
//
// The lease ID stays a local variable, not struct state, so several servers
// can share one EtcdRegistry instance without racing on it.
func (r *EtcdRegistry) Register(service, addr string, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+service, addr, clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Consume KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes the service's entry. Called during graceful shutdown
// before the listener closes.
func (r *EtcdRegistry) Deregister(service string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+service)
	return err
}

// Lookup returns the address currently registered for service.
func (r *EtcdRegistry) Lookup(service string) (string, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+service)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("registry: no endpoint registered for service %q", service)
	}
	return string(resp.Kvs[0].Value), nil
}

// Watch monitors the service's key in etcd and emits the new address whenever
// it changes. Uses etcd's Watch API (server-push), which beats polling.
func (r *EtcdRegistry) Watch(service string) <-chan string {
	ctx := context.TODO()
	ch := make(chan string, 1)

	go func() {
		watchChan := r.client.Watch(ctx, keyPrefix+service)
		for range watchChan {
			// On any change, re-fetch the current address (simpler than
			// parsing individual watch events).
			addr, err := r.Lookup(service)
			if err != nil {
				continue
			}
			ch <- addr
		}
	}()

	return ch
}
