package redis

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closedAddr returns an address nothing listens on
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewClient_UnreachableServer(t *testing.T) {
	start := time.Now()
	client, err := NewClient(context.Background(), &Config{
		Addr:        closedAddr(t),
		DialTimeout: 200 * time.Millisecond,
	}, discardLogger())

	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "redis ping")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClient_PingAndPublishWrapErrors(t *testing.T) {
	c := &Client{
		rdb: goredis.NewClient(&goredis.Options{
			Addr:        closedAddr(t),
			DialTimeout: 200 * time.Millisecond,
			MaxRetries:  -1,
		}),
		logger: discardLogger(),
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")

	n, err := c.Publish(ctx, "gamegen:progress:job-1", []byte(`{}`))
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "redis publish gamegen:progress:job-1")
}
