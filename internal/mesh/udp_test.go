package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransport_Loopback(t *testing.T) {
	rx, err := ListenUDP("127.0.0.1:0", "127.0.0.1:9")
	require.NoError(t, err)
	defer rx.Close()

	// sender broadcasts straight at the receiver's port
	tx, err := ListenUDP("127.0.0.1:0", rx.LocalAddr().String())
	require.NoError(t, err)
	defer tx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, tx.Send(ctx, []byte(`{"id":1,"lat":1,"long":2}`)))

	f, err := rx.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"lat":1,"long":2}`, string(f.Payload))
	assert.Equal(t, "127.0.0.1", f.Sender)
	assert.False(t, f.ReceivedAt.IsZero())
}

func TestUDPTransport_ContextCancel(t *testing.T) {
	rx, err := ListenUDP("127.0.0.1:0", "127.0.0.1:9")
	require.NoError(t, err)
	defer rx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = rx.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUDPTransport_Closed(t *testing.T) {
	rx, err := ListenUDP("127.0.0.1:0", "127.0.0.1:9")
	require.NoError(t, err)
	require.NoError(t, rx.Close())

	_, err = rx.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestListenUDP_BadAddress(t *testing.T) {
	_, err := ListenUDP("not-an-address", "127.0.0.1:9")
	assert.Error(t, err)
}
