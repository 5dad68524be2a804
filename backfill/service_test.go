package backfill

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eth-act/zkboost-sentry/cache"
	"github.com/eth-act/zkboost-sentry/clclient"
	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/types"
)

// slotServer serves /eth/v1/node/syncing with a fixed head slot and
// /eth/v2/beacon/blocks/{slot} with a deterministic execution block hash
// derived from the slot, so every non-empty slot is "provable".
func newSlotServer(t *testing.T, headSlot uint64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/eth/v1/node/syncing", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"head_slot": strconv.FormatUint(headSlot, 10)},
		})
	})
	mux.HandleFunc("/eth/v2/beacon/blocks/", func(w http.ResponseWriter, r *http.Request) {
		slot := strings.TrimPrefix(r.URL.Path, "/eth/v2/beacon/blocks/")
		hash := "0x" + strings.Repeat("0", 62) + fixedSuffix(slot)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"message": map[string]interface{}{
					"body": map[string]interface{}{
						"execution_payload": map[string]interface{}{"block_hash": hash},
					},
				},
			},
		})
	})
	return httptest.NewServer(mux)
}

func fixedSuffix(slot string) string {
	if len(slot) >= 2 {
		return slot[len(slot)-2:]
	}
	return "0" + slot
}

func TestTickBackfillsLaggingZkClient(t *testing.T) {
	source := newSlotServer(t, 120)
	defer source.Close()
	zk := newSlotServer(t, 110)
	defer zk.Close()

	sourceClient := clclient.New(clclient.Endpoint{Name: "source-cl", URL: source.URL})
	zkClient := clclient.New(clclient.Endpoint{Name: "zk-cl", URL: zk.URL})

	witnesses, err := cache.New[types.BlockHash, types.ElBlockWitness](8, func(types.BlockHash) (types.ElBlockWitness, bool, error) {
		return types.ElBlockWitness{}, false, nil
	})
	require.NoError(t, err)

	fetches := make(chan messages.FetchData, 32)
	out := make(messages.ProofChan, 32)

	svc := New(context.Background(), sourceClient, []*clclient.Client{zkClient}, witnesses, fetches, out)
	defer svc.cancel()

	svc.tick()

	requestCount := 0
loop:
	for {
		select {
		case msg := <-out:
			require.NotNil(t, msg.RequestProof)
			require.False(t, msg.RequestProof.TargetClients.IsAll())
			require.True(t, msg.RequestProof.TargetProofTypes.IsAll())
			requestCount++
		case <-time.After(100 * time.Millisecond):
			break loop
		}
	}
	require.Equal(t, 10, requestCount, "gap of 10 slots must yield exactly 10 RequestProof messages")

	fetchCount := 0
fetchLoop:
	for {
		select {
		case <-fetches:
			fetchCount++
		case <-time.After(50 * time.Millisecond):
			break fetchLoop
		}
	}
	require.Equal(t, 10, fetchCount, "every backfilled slot's witness is unavailable, so FetchData must be emitted for each")
}

func TestTickSkipsCaughtUpZkClient(t *testing.T) {
	source := newSlotServer(t, 100)
	defer source.Close()
	zk := newSlotServer(t, 98) // gap of -2, above the -5 threshold
	defer zk.Close()

	sourceClient := clclient.New(clclient.Endpoint{Name: "source-cl", URL: source.URL})
	zkClient := clclient.New(clclient.Endpoint{Name: "zk-cl", URL: zk.URL})

	witnesses, err := cache.New[types.BlockHash, types.ElBlockWitness](8, func(types.BlockHash) (types.ElBlockWitness, bool, error) {
		return types.ElBlockWitness{}, false, nil
	})
	require.NoError(t, err)

	out := make(messages.ProofChan, 8)
	svc := New(context.Background(), sourceClient, []*clclient.Client{zkClient}, witnesses, nil, out)
	defer svc.cancel()

	svc.tick()

	select {
	case <-out:
		t.Fatal("a zk-CL within the lagging threshold must not be backfilled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTickSkipsOnSourceQueryFailure(t *testing.T) {
	badSource := clclient.New(clclient.Endpoint{Name: "source-cl", URL: "http://127.0.0.1:1"})
	witnesses, err := cache.New[types.BlockHash, types.ElBlockWitness](8, func(types.BlockHash) (types.ElBlockWitness, bool, error) {
		return types.ElBlockWitness{}, false, nil
	})
	require.NoError(t, err)

	out := make(messages.ProofChan, 1)
	svc := New(context.Background(), badSource, nil, witnesses, nil, out)
	defer svc.cancel()

	require.NotPanics(t, svc.tick)
}
