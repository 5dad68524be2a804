package proofsvc

import (
	"sync"
	"time"

	"github.com/eth-act/zkboost-sentry/types"
)

// pendingProofIndex owns pending_proofs and proof_gen_index behind a single
// mutex, collapsing the two-lock-ordering rule from spec.md §5 into one
// guarded structure per the Design Notes' "alternatively, consolidate under
// a single struct guarded by one lock" option.
type pendingProofIndex struct {
	mu        sync.Mutex
	byKey     map[types.ProofKey]*types.PendingProof
	byGenId   map[types.ProofGenId]types.ProofKey
}

func newPendingProofIndex() *pendingProofIndex {
	return &pendingProofIndex{
		byKey:   make(map[types.ProofKey]*types.PendingProof),
		byGenId: make(map[types.ProofGenId]types.ProofKey),
	}
}

// Get returns the pending proof for a key, if any.
func (p *pendingProofIndex) Get(key types.ProofKey) (*types.PendingProof, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pp, ok := p.byKey[key]
	return pp, ok
}

// Insert records a fresh pending proof under both indices atomically,
// invariant 1 from spec.md §3.
func (p *pendingProofIndex) Insert(pp *types.PendingProof) {
	key := types.ProofKey{BlockHash: pp.BlockHash, ProofType: pp.ProofType}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKey[key] = pp
	p.byGenId[pp.ProofGenId] = key
}

// RemoveStaleKey removes the pending proof stored under key from both
// indices: its proof_gen_index entry and the byKey entry itself. Used when a
// pending proof has exceeded PENDING_PROOF_TIMEOUT and is being superseded
// by a fresh submission.
func (p *pendingProofIndex) RemoveStaleKey(key types.ProofKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pp, ok := p.byKey[key]; ok {
		delete(p.byGenId, pp.ProofGenId)
	}
	delete(p.byKey, key)
}

// RemoveByGenId removes and returns the pending proof addressed by a
// proof-engine job id, used on webhook completion. Both indices are removed
// together.
func (p *pendingProofIndex) RemoveByGenId(genId types.ProofGenId) (*types.PendingProof, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.byGenId[genId]
	if !ok {
		return nil, false
	}
	delete(p.byGenId, genId)
	pp, ok := p.byKey[key]
	delete(p.byKey, key)
	return pp, ok
}

// EvictExpired removes every pending proof whose age is at least maxAge,
// removing both indices for each. Used by the periodic cleanup sweep.
func (p *pendingProofIndex) EvictExpired(now time.Time, maxAge time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pp := range p.byKey {
		if now.Sub(pp.CreatedAt) >= maxAge {
			delete(p.byGenId, pp.ProofGenId)
			delete(p.byKey, key)
		}
	}
}

// pendingRequestTree owns pending_requests: BlockHash -> ProofType ->
// PendingRequest, guarded by its own mutex.
type pendingRequestTree struct {
	mu   sync.Mutex
	tree map[types.BlockHash]map[types.ProofType]*types.PendingRequest
}

func newPendingRequestTree() *pendingRequestTree {
	return &pendingRequestTree{tree: make(map[types.BlockHash]map[types.ProofType]*types.PendingRequest)}
}

// Merge inserts or unions a pending request for (hash, proofType). On first
// insert CreatedAt is set to now; on merge it is left untouched, per
// spec.md's "resetting created_at on first insert" rule.
func (p *pendingRequestTree) Merge(hash types.BlockHash, proofType types.ProofType, slot types.Slot, blockRoot types.BlockRoot, clients []string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byType, ok := p.tree[hash]
	if !ok {
		byType = make(map[types.ProofType]*types.PendingRequest)
		p.tree[hash] = byType
	}
	existing, ok := byType[proofType]
	if !ok {
		byType[proofType] = &types.PendingRequest{
			Slot:          slot,
			BlockRoot:     blockRoot,
			TargetClients: append([]string(nil), clients...),
			CreatedAt:     now,
		}
		return
	}
	existing.TargetClients = unionClients(existing.TargetClients, clients)
}

func unionClients(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, c := range a {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for _, c := range b {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// PopSubtree removes and returns the entire pending-request subtree for a
// block hash, per spec.md §4.5.4 ("this step never re-inserts pending
// entries").
func (p *pendingRequestTree) PopSubtree(hash types.BlockHash) map[types.ProofType]*types.PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	subtree, ok := p.tree[hash]
	if !ok {
		return nil
	}
	delete(p.tree, hash)
	return subtree
}

// EvictExpired removes every pending request whose age is at least maxAge,
// deleting empty block-hash subtrees entirely.
func (p *pendingRequestTree) EvictExpired(now time.Time, maxAge time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for hash, byType := range p.tree {
		for pt, req := range byType {
			if now.Sub(req.CreatedAt) >= maxAge {
				delete(byType, pt)
			}
		}
		if len(byType) == 0 {
			delete(p.tree, hash)
		}
	}
}
