package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratakv/strata/pkg/log"
	"github.com/stratakv/strata/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newGRPCPair(t *testing.T, serverSecret, clientSecret string) (*GRPCTransport, *GRPCTransport) {
	t.Helper()
	server, err := NewGRPCTransport(GRPCConfig{
		Self:   "server-node",
		Bind:   "127.0.0.1:0",
		Secret: serverSecret,
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client, err := NewGRPCTransport(GRPCConfig{
		Self:   "client-node",
		Secret: clientSecret,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	client.UpdatePeers(map[types.NodeID]string{"server-node": server.Addr()})
	return server, client
}

func TestGRPCCall(t *testing.T) {
	server, client := newGRPCPair(t, "s3cret", "s3cret")

	server.Register("echo", func(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
		assert.Equal(t, types.NodeID("client-node"), from)
		return body, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := client.Call(ctx, "server-node", "echo", []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"x":1}`), out)
}

func TestGRPCHandlerErrorKind(t *testing.T) {
	server, client := newGRPCPair(t, "s3cret", "s3cret")

	server.Register("fail", func(ctx context.Context, from types.NodeID, body []byte) ([]byte, error) {
		return nil, types.ErrQuorumFailed
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Call(ctx, "server-node", "fail", nil)
	assert.ErrorIs(t, err, types.ErrQuorumFailed)
}

func TestGRPCBadSecret(t *testing.T) {
	_, client := newGRPCPair(t, "right", "wrong")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Call(ctx, "server-node", "echo", nil)
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestGRPCUnknownService(t *testing.T) {
	_, client := newGRPCPair(t, "s3cret", "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Call(ctx, "server-node", "nope", nil)
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestGRPCStream(t *testing.T) {
	server, client := newGRPCPair(t, "s3cret", "s3cret")

	server.RegisterStream("feed", func(ctx context.Context, from types.NodeID, body []byte, send func([]byte) error) error {
		for _, chunk := range []string{"a", "b", "c"} {
			if err := send([]byte(chunk)); err != nil {
				return err
			}
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []string
	err := client.Stream(ctx, "server-node", "feed", nil, func(chunk []byte) error {
		got = append(got, string(chunk))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestGRPCUnknownPeer(t *testing.T) {
	client, err := NewGRPCTransport(GRPCConfig{Self: "client-node", Secret: "x"})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = client.Call(ctx, "ghost", "echo", nil)
	assert.ErrorIs(t, err, types.ErrTimeout)
}
