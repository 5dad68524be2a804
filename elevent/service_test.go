package elevent

import (
	"context"
	"testing"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/types"
)

func TestForwardSendsFetchDataForHeader(t *testing.T) {
	fetches := make(chan messages.FetchData, 1)
	svc := New(context.Background(), nil, fetches)
	defer svc.cancel()

	header := &gethtypes.Header{Number: nil}
	svc.forward(header)

	select {
	case req := <-fetches:
		var want types.BlockHash
		copy(want[:], header.Hash().Bytes())
		require.Equal(t, want, req.BlockHash)
	case <-time.After(time.Second):
		t.Fatal("expected a FetchData message")
	}
}

func TestForwardRespectsCancellation(t *testing.T) {
	fetches := make(chan messages.FetchData) // unbuffered, forces blocking
	svc := New(context.Background(), nil, fetches)

	done := make(chan struct{})
	go func() {
		svc.forward(&gethtypes.Header{})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	svc.cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward must return once the service context is cancelled, even with no receiver")
	}
}

func TestReconnectDelayIsWithinBounds(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := reconnectDelay()
		require.GreaterOrEqual(t, d, minReconnectDelay)
		require.LessOrEqual(t, d, maxReconnectDelay)
	}
}
