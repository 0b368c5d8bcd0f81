// Package etcd provides the etcd-backed queue registry and the leader
// election used to coordinate control planes and node agents.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/config"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

// DefaultSessionTTL is the lease TTL in seconds used when none is configured.
const DefaultSessionTTL = 30

// Client wraps an etcd client with a keep-alive session. Keys written with
// PutEphemeral vanish when the session lease expires.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewClient connects to etcd and opens a session with the given lease TTL.
func NewClient(cfg config.EtcdConfig, sessionTTL int, logger *zap.Logger) (*Client, error) {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(sessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd",
		zap.Strings("endpoints", cfg.Endpoints),
		zap.Int("session_ttl", sessionTTL),
	)

	return &Client{
		client:  client,
		session: session,
		logger:  logger.Named("etcd"),
	}, nil
}

// Close closes the session, revoking its lease, and the client.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// SessionDone is closed when the session lease is lost.
func (c *Client) SessionDone() <-chan struct{} {
	return c.session.Done()
}

// Put stores a JSON value.
func (c *Client) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if _, err := c.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// PutEphemeral stores a JSON value bound to the session lease.
func (c *Client) PutEphemeral(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if _, err := c.client.Put(ctx, key, string(data), clientv3.WithLease(c.session.Lease())); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// Get retrieves a JSON value.
func (c *Client) Get(ctx context.Context, key string, dest any) error {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get key: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return ErrKeyNotFound
	}
	return json.Unmarshal(resp.Kvs[0].Value, dest)
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.Delete(ctx, key)
	return err
}

// ListRaw returns the raw values stored under prefix.
func (c *Client) ListRaw(ctx context.Context, prefix string) ([][]byte, error) {
	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, kv.Value)
	}
	return out, nil
}
