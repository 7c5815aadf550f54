package internal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialTCP(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = lis.Close()
	}()
	go func() {
		c, err := lis.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialTCP(ctx, lis.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, lis.Addr().String(), conn.RemoteAddr().String())
	require.NoError(t, conn.Close())
}

func TestDialTCP_GivesUpWhenContextEnds(t *testing.T) {
	// grab a free port, then make sure nothing listens on it
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = DialTCP(ctx, addr)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
