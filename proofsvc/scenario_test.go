package proofsvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eth-act/zkboost-sentry/cache"
	"github.com/eth-act/zkboost-sentry/clclient"
	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/storage"
	"github.com/eth-act/zkboost-sentry/target"
	"github.com/eth-act/zkboost-sentry/types"
)

// recordingCL captures every execution-proof submission it receives, used to
// assert the exact body the happy-path scenario expects.
type recordingCL struct {
	mu        sync.Mutex
	submitted []map[string]interface{}
}

func newRecordingCLServer(t *testing.T, rec *recordingCL) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/eth/v1/beacon/pool/execution_proofs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rec.mu.Lock()
		rec.submitted = append(rec.submitted, body)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func newScenarioService(t *testing.T, engine proofEngine, clients map[string]proofSubmitter) (*Service, messages.ProofChan, *cache.Store[types.BlockHash, types.ElBlockWitness]) {
	t.Helper()
	bs, err := storage.New(t.TempDir(), "mainnet", 0)
	require.NoError(t, err)
	witnesses, err := cache.New[types.BlockHash, types.ElBlockWitness](8, func(types.BlockHash) (types.ElBlockWitness, bool, error) {
		return types.ElBlockWitness{}, false, nil
	})
	require.NoError(t, err)

	in := make(messages.ProofChan, messages.ChannelCapacity)
	svc, err := New(context.Background(), in, Config{
		EngineProofTypes: []types.ProofType{types.ProofTypeRethSP1},
		ProgramIDs:       func(types.ProofType) (string, bool) { return "program-reth-sp1", true },
		ProofEngine:      engine,
		ZkClients:        clients,
		Store:            bs,
		Witnesses:        witnesses,
		WebhookAddr:      "127.0.0.1:0",
	})
	require.NoError(t, err)
	return svc, in, witnesses
}

// Scenario 1 (happy path): one EL, two CLs (source non-zk, target zk). EL
// head resolves witness availability; CL head carries the matching
// execution block hash. Expect one proof-engine submission, then on webhook
// completion one POST to the zk-CL's execution_proofs endpoint with the
// documented body shape.
func TestScenarioHappyPath(t *testing.T) {
	engine := &fakeEngine{}
	rec := &recordingCL{}
	server := newRecordingCLServer(t, rec)
	defer server.Close()
	zkCL := clclient.New(clclient.Endpoint{Name: "zk-cl", URL: server.URL})

	svc, in, witnesses := newScenarioService(t, engine, map[string]proofSubmitter{"zk-cl": zkCL})

	var blockHash types.BlockHash
	blockHash[0] = 0x11
	var blockRoot types.BlockRoot
	blockRoot[0] = 0xbb

	witnesses.Put(blockHash, types.ElBlockWitness{BlockHash: blockHash, Block: []byte("b"), Witness: []byte("w")})

	go svc.run()
	defer svc.cancel()

	in <- messages.ProofMsg{RequestProof: &messages.RequestProof{
		Slot:               100,
		BlockRoot:          blockRoot,
		ExecutionBlockHash: blockHash,
		TargetClients:      target.NewSpecific("zk-cl"),
		TargetProofTypes:   target.NewSpecific(types.ProofTypeRethSP1),
	}}

	require.Eventually(t, func() bool { return engine.callCount() == 1 }, time.Second, 10*time.Millisecond)

	pp, ok := svc.pendingProofs.Get(types.ProofKey{BlockHash: blockHash, ProofType: types.ProofTypeRethSP1})
	require.True(t, ok)

	body, _ := json.Marshal(webhookPayload{
		ProofGenId: string(pp.ProofGenId),
		Proof:      base64.StdEncoding.EncodeToString([]byte{0xAA}),
	})
	req := httptest.NewRequest(http.MethodPost, "/proofs", bytes.NewReader(body))
	respRec := httptest.NewRecorder()
	svc.webhook.handleProofWebhook(respRec, req)
	require.Equal(t, http.StatusOK, respRec.Code)

	svc.wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.submitted, 1)
	got := rec.submitted[0]
	require.EqualValues(t, types.ProofTypeRethSP1.ProofID, got["proof_id"])
	require.Equal(t, "100", got["slot"])
	require.Equal(t, blockHash.String(), got["block_hash"])
	require.Equal(t, blockRoot.String(), got["block_root"])
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xAA}), got["proof_data"])
}

// Scenario 2 (CL-before-EL): the CL head arrives before EL data is available.
// Expect a PendingRequest to be recorded, and exactly one proof-engine
// submission once the matching BlockDataReady notification arrives.
func TestScenarioCLBeforeEL(t *testing.T) {
	engine := &fakeEngine{}
	svc, in, witnesses := newScenarioService(t, engine, nil)

	var blockHash types.BlockHash
	blockHash[0] = 0x22

	go svc.run()
	defer svc.cancel()

	in <- messages.ProofMsg{RequestProof: &messages.RequestProof{
		Slot:               200,
		ExecutionBlockHash: blockHash,
		TargetClients:      target.NewAll[string](),
		TargetProofTypes:   target.NewSpecific(types.ProofTypeRethSP1),
	}}

	require.Eventually(t, func() bool { return svc.pendingRequests.tree[blockHash] != nil }, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, engine.callCount())

	witnesses.Put(blockHash, types.ElBlockWitness{BlockHash: blockHash, Block: []byte("b"), Witness: []byte("w")})
	in <- messages.ProofMsg{BlockDataReady: &messages.BlockDataReady{BlockHash: blockHash}}

	require.Eventually(t, func() bool { return engine.callCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Nil(t, svc.pendingRequests.tree[blockHash])
}

// Scenario 3 (cached proof): proof_cache already holds an entry for the
// requested (block_hash, proof_type). Expect zero proof-engine submissions
// and the CL submission to use the cached proof bytes.
func TestScenarioCachedProof(t *testing.T) {
	engine := &fakeEngine{}
	sub := &fakeSubmitter{}
	svc, in, witnesses := newScenarioService(t, engine, map[string]proofSubmitter{"zk-cl": sub})

	var blockHash types.BlockHash
	blockHash[0] = 0x33
	witnesses.Put(blockHash, types.ElBlockWitness{BlockHash: blockHash})

	key := types.ProofKey{BlockHash: blockHash, ProofType: types.ProofTypeRethSP1}
	cachedProof := types.Proof{ProofType: types.ProofTypeRethSP1, ProofData: []byte{0xCC}}
	svc.proofCache.Put(key, cachedProof)

	go svc.run()
	defer svc.cancel()

	in <- messages.ProofMsg{RequestProof: &messages.RequestProof{
		ExecutionBlockHash: blockHash,
		TargetClients:      target.NewSpecific("zk-cl"),
		TargetProofTypes:   target.NewSpecific(types.ProofTypeRethSP1),
	}}

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.calls == 1
	}, time.Second, 10*time.Millisecond)

	svc.wg.Wait()
	require.Equal(t, 0, engine.callCount(), "a cached proof must skip the proof engine entirely")
}

// Scenario 6 (webhook error field): the proof engine reports an error.
// Expect a 200 response, no CL submission, and the ProofKey available again
// for a fresh RequestProof (the pending-proof entry was removed, so a
// subsequent request is treated as new rather than deduplicated).
func TestScenarioWebhookErrorAllowsRetryOnNextRequest(t *testing.T) {
	engine := &fakeEngine{}
	sub := &fakeSubmitter{}
	svc, in, witnesses := newScenarioService(t, engine, map[string]proofSubmitter{"zk-cl": sub})

	var blockHash types.BlockHash
	blockHash[0] = 0x44
	witnesses.Put(blockHash, types.ElBlockWitness{BlockHash: blockHash, Block: []byte("b"), Witness: []byte("w")})

	go svc.run()
	defer svc.cancel()

	req := messages.RequestProof{
		ExecutionBlockHash: blockHash,
		TargetClients:      target.NewSpecific("zk-cl"),
		TargetProofTypes:   target.NewSpecific(types.ProofTypeRethSP1),
	}
	in <- messages.ProofMsg{RequestProof: &req}

	require.Eventually(t, func() bool { return engine.callCount() == 1 }, time.Second, 10*time.Millisecond)

	key := types.ProofKey{BlockHash: blockHash, ProofType: types.ProofTypeRethSP1}
	pp, ok := svc.pendingProofs.Get(key)
	require.True(t, ok)

	body, _ := json.Marshal(webhookPayload{ProofGenId: string(pp.ProofGenId), Error: "oom"})
	httpReq := httptest.NewRequest(http.MethodPost, "/proofs", bytes.NewReader(body))
	respRec := httptest.NewRecorder()
	svc.webhook.handleProofWebhook(respRec, httpReq)
	require.Equal(t, http.StatusOK, respRec.Code)

	svc.wg.Wait()
	require.Equal(t, 0, sub.calls, "an engine error must not reach the CL")

	_, stillPending := svc.pendingProofs.Get(key)
	require.False(t, stillPending, "pending proof must be removed so the ProofKey is available for retry")

	in <- messages.ProofMsg{RequestProof: &req}
	require.Eventually(t, func() bool { return engine.callCount() == 2 }, time.Second, 10*time.Millisecond)
}
