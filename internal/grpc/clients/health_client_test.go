package clients

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/platformbuilds/mirador-session/internal/grpc/server"
	"github.com/platformbuilds/mirador-session/pkg/cache"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

func TestHealthClient(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	store := cache.NewMemory()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.New(store, nil, time.Hour).Serve(ctx, lis) }()
	defer func() {
		cancel()
		<-done
	}()

	c, err := NewHealthClient("passthrough:///bufnet", logger.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }))
	require.NoError(t, err)
	defer c.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	got, err := c.Check(callCtx, server.ReplicationService)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", got)

	_, err = c.Check(callCtx, "unknown.Service")
	assert.Error(t, err)
}
