package proofsvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eth-act/zkboost-sentry/cache"
	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/proofclient"
	"github.com/eth-act/zkboost-sentry/storage"
	"github.com/eth-act/zkboost-sentry/target"
	"github.com/eth-act/zkboost-sentry/types"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	genId int64
}

func (f *fakeEngine) Prove(ctx context.Context, pt types.ProofType, input proofclient.StatelessInput) (types.ProofGenId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.genId++
	return types.ProofGenId(time.Now().Format("150405") + "-" + pt.Name), nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSubmitter) SubmitProof(ctx context.Context, pt types.ProofType, slot types.Slot, blockHash types.BlockHash, blockRoot types.BlockRoot, proofData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func newTestService(t *testing.T, engine proofEngine, clients map[string]proofSubmitter) (*Service, messages.ProofChan, *cache.Store[types.BlockHash, types.ElBlockWitness]) {
	t.Helper()
	bs, err := storage.New(t.TempDir(), "mainnet", 0)
	require.NoError(t, err)

	witnesses, err := cache.New[types.BlockHash, types.ElBlockWitness](8, func(types.BlockHash) (types.ElBlockWitness, bool, error) {
		return types.ElBlockWitness{}, false, nil
	})
	require.NoError(t, err)

	in := make(messages.ProofChan, messages.ChannelCapacity)
	svc, err := New(context.Background(), in, Config{
		EngineProofTypes: types.AllProofTypes,
		ProgramIDs: func(pt types.ProofType) (string, bool) {
			return "program-" + pt.Name, true
		},
		ProofEngine: engine,
		ZkClients:   clients,
		Store:       bs,
		Witnesses:   witnesses,
		WebhookAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)
	return svc, in, witnesses
}

func TestDedupProveWithinTimeout(t *testing.T) {
	engine := &fakeEngine{}
	svc, in, witnesses := newTestService(t, engine, nil)

	var hash types.BlockHash
	hash[0] = 1
	witnesses.Put(hash, types.ElBlockWitness{BlockHash: hash, Block: []byte("b"), Witness: []byte("w")})

	req := messages.RequestProof{
		Slot:               100,
		ExecutionBlockHash: hash,
		TargetClients:      target.NewAll[string](),
		TargetProofTypes:   target.NewSpecific(types.ProofTypeRethSP1),
	}

	go svc.run()
	defer svc.cancel()

	in <- messages.ProofMsg{RequestProof: &req}
	in <- messages.ProofMsg{RequestProof: &req}

	require.Eventually(t, func() bool { return engine.callCount() >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, engine.callCount(), "duplicate RequestProof within the pending-proof timeout must not resubmit")
}

func TestPendingRequestMergeUnionsTargets(t *testing.T) {
	engine := &fakeEngine{}
	svc, in, _ := newTestService(t, engine, nil)

	var hash types.BlockHash
	hash[0] = 2

	req1 := messages.RequestProof{
		ExecutionBlockHash: hash,
		TargetClients:      target.NewSpecific("clA"),
		TargetProofTypes:   target.NewSpecific(types.ProofTypeRethSP1),
	}
	req2 := messages.RequestProof{
		ExecutionBlockHash: hash,
		TargetClients:      target.NewSpecific("clB"),
		TargetProofTypes:   target.NewSpecific(types.ProofTypeRethSP1),
	}

	go svc.run()
	defer svc.cancel()

	in <- messages.ProofMsg{RequestProof: &req1}
	in <- messages.ProofMsg{RequestProof: &req2}

	require.Eventually(t, func() bool {
		subtree := svc.pendingRequests.tree[hash]
		if subtree == nil {
			return false
		}
		pr, ok := subtree[types.ProofTypeRethSP1]
		return ok && len(pr.TargetClients) == 2
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 0, engine.callCount(), "no EL data available yet, so no proof should be requested")
}

func TestBlockDataReadyDrainsPendingAndRequestsProof(t *testing.T) {
	engine := &fakeEngine{}
	svc, in, witnesses := newTestService(t, engine, nil)

	var hash types.BlockHash
	hash[0] = 3

	req := messages.RequestProof{
		ExecutionBlockHash: hash,
		TargetClients:      target.NewAll[string](),
		TargetProofTypes:   target.NewSpecific(types.ProofTypeRethSP1),
	}

	go svc.run()
	defer svc.cancel()

	in <- messages.ProofMsg{RequestProof: &req}
	require.Eventually(t, func() bool { return svc.pendingRequests.tree[hash] != nil }, time.Second, 10*time.Millisecond)

	witnesses.Put(hash, types.ElBlockWitness{BlockHash: hash, Block: []byte("b"), Witness: []byte("w")})
	in <- messages.ProofMsg{BlockDataReady: &messages.BlockDataReady{BlockHash: hash}}

	require.Eventually(t, func() bool { return engine.callCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Nil(t, svc.pendingRequests.tree[hash], "pending subtree must be fully drained")
}

func TestCachedProofSkipsEngine(t *testing.T) {
	engine := &fakeEngine{}
	sub := &fakeSubmitter{}
	svc, in, witnesses := newTestService(t, engine, map[string]proofSubmitter{"zk-cl": sub})

	var hash types.BlockHash
	hash[0] = 4
	witnesses.Put(hash, types.ElBlockWitness{BlockHash: hash})

	key := types.ProofKey{BlockHash: hash, ProofType: types.ProofTypeRethSP1}
	svc.proofCache.Put(key, types.Proof{ProofType: types.ProofTypeRethSP1, ProofData: []byte{0xcc}})

	req := messages.RequestProof{
		ExecutionBlockHash: hash,
		TargetClients:      target.NewSpecific("zk-cl"),
		TargetProofTypes:   target.NewSpecific(types.ProofTypeRethSP1),
	}

	go svc.run()
	defer svc.cancel()

	in <- messages.ProofMsg{RequestProof: &req}

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.calls == 1
	}, time.Second, 10*time.Millisecond)

	svc.wg.Wait()
	require.Equal(t, 0, engine.callCount())
}
