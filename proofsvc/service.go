// Package proofsvc implements ProofService, the sentry's hardest component:
// proof request dedup, proof-engine submission, webhook completion, CL
// submission with retry, and periodic cleanup of stale pending state.
package proofsvc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/eth-act/zkboost-sentry/cache"
	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/metrics"
	"github.com/eth-act/zkboost-sentry/proofclient"
	"github.com/eth-act/zkboost-sentry/storage"
	"github.com/eth-act/zkboost-sentry/target"
	"github.com/eth-act/zkboost-sentry/types"
)

var slog = log.WithField("prefix", "proof")

const (
	// PendingProofTimeout is the soft duplicate-submission timeout from
	// spec.md §4.5.3: a pending proof older than this is considered stale
	// and may be superseded by a fresh submission.
	PendingProofTimeout = 300 * time.Second
	// PendingRequestTimeout is the hard timeout from spec.md §4.5.7 after
	// which a PendingRequest or PendingProof is dropped outright.
	PendingRequestTimeout = 600 * time.Second
	// CleanupInterval is how often the periodic sweep runs.
	CleanupInterval = 60 * time.Second
	// ProofSubmissionMaxRetries bounds CL submission retries.
	ProofSubmissionMaxRetries = 3
	// WebhookBodyLimit bounds the webhook request body size.
	WebhookBodyLimit = 10 << 20 // 10 MiB
)

// ProgramResolver maps a proof type to the program id the proof engine
// should execute for it.
type ProgramResolver func(types.ProofType) (string, bool)

// proofEngine is the subset of proofclient.Client's surface ProofService
// depends on; narrowed to an interface so tests can substitute a fake engine.
type proofEngine interface {
	Prove(ctx context.Context, proofType types.ProofType, input proofclient.StatelessInput) (types.ProofGenId, error)
}

// Config wires ProofService's external collaborators.
type Config struct {
	EngineProofTypes []types.ProofType
	ProgramIDs       ProgramResolver
	ProofEngine      proofEngine
	ZkClients        map[string]proofSubmitter // CL name -> client, zk-enabled only
	Store            *storage.BlockStorage
	Witnesses        *cache.Store[types.BlockHash, types.ElBlockWitness]
	WebhookAddr      string // host:port for the webhook HTTP server
}

// NewZkClientMap returns an empty map suitable for Config.ZkClients. Callers
// outside this package cannot spell the proofSubmitter interface directly,
// so they build the map through this constructor and populate it by index.
func NewZkClientMap() map[string]proofSubmitter {
	return make(map[string]proofSubmitter)
}

// Service is ProofService.
type Service struct {
	cfg Config

	proofCache       *cache.Store[types.ProofKey, types.Proof]
	pendingRequests  *pendingRequestTree
	pendingProofs    *pendingProofIndex

	in messages.ProofChan

	webhook *webhookServer

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds ProofService over in, the channel every producer (ClEventService,
// ElDataService, BackfillService) sends ProofMsg values on. The caller
// creates in so it can be wired to those producers before ProofService
// itself is constructed.
func New(parent context.Context, in messages.ProofChan, cfg Config) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:             cfg,
		pendingRequests: newPendingRequestTree(),
		pendingProofs:   newPendingProofIndex(),
		in:              in,
		ctx:             ctx,
		cancel:          cancel,
	}
	proofCache, err := cache.New[types.ProofKey, types.Proof](1024, s.loadProofFromDisk)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not allocate proof cache")
	}
	s.proofCache = proofCache
	s.webhook = newWebhookServer(cfg.WebhookAddr, s)
	return s, nil
}

func (s *Service) loadProofFromDisk(key types.ProofKey) (types.Proof, bool, error) {
	return s.cfg.Store.LoadProof(key.BlockHash, key.ProofType)
}

// Start kicks off the main message loop, the cleanup loop, and the webhook
// server.
func (s *Service) Start() {
	go s.run()
	go s.cleanupLoop()
	s.webhook.Start()
}

// Stop cancels the service and gracefully shuts down the webhook server.
func (s *Service) Stop() error {
	s.cancel()
	err := s.webhook.Stop()
	s.wg.Wait()
	return err
}

// Status reports the webhook server's health.
func (s *Service) Status() error {
	return s.webhook.Status()
}

func (s *Service) run() {
	for {
		select {
		case <-s.ctx.Done():
			slog.Info("proof service shutting down")
			return
		case msg := <-s.in:
			switch {
			case msg.RequestProof != nil:
				s.handleRequestProof(*msg.RequestProof)
			case msg.BlockDataReady != nil:
				s.handleBlockDataReady(msg.BlockDataReady.BlockHash)
			}
		}
	}
}

// engineProofTypes intersected with the message's requested types, per
// spec.md §4.5.2.
func (s *Service) applicableProofTypes(requested target.Target[types.ProofType]) []types.ProofType {
	var out []types.ProofType
	for _, pt := range s.cfg.EngineProofTypes {
		if requested.Contains(pt) {
			out = append(out, pt)
		}
	}
	return out
}

func (s *Service) clientNames() []string {
	names := make([]string, 0, len(s.cfg.ZkClients))
	for name := range s.cfg.ZkClients {
		names = append(names, name)
	}
	return names
}

// handleRequestProof implements spec.md §4.5.2.
func (s *Service) handleRequestProof(req messages.RequestProof) {
	for _, pt := range s.applicableProofTypes(req.TargetProofTypes) {
		key := types.ProofKey{BlockHash: req.ExecutionBlockHash, ProofType: pt}
		targetClients := req.TargetClients.Filter(s.clientNames())

		if proof, ok, err := s.proofCache.Get(key); err != nil {
			slog.WithError(err).WithField("proof_key", key.String()).Warn("could not check proof cache")
		} else if ok {
			s.submitToClients(req.Slot, req.ExecutionBlockHash, req.BlockRoot, proof, targetClients)
			continue
		}

		if _, ok, err := s.cfg.Witnesses.Get(req.ExecutionBlockHash); err != nil {
			slog.WithError(err).WithField("block_hash", req.ExecutionBlockHash.String()).Warn("could not check witness availability")
		} else if ok {
			s.requestProof(req.Slot, req.BlockRoot, req.ExecutionBlockHash, targetClients, pt)
			continue
		}

		s.pendingRequests.Merge(req.ExecutionBlockHash, pt, req.Slot, req.BlockRoot, targetClients, time.Now())
	}
}

// handleBlockDataReady implements spec.md §4.5.4.
func (s *Service) handleBlockDataReady(hash types.BlockHash) {
	subtree := s.pendingRequests.PopSubtree(hash)
	for pt, pending := range subtree {
		key := types.ProofKey{BlockHash: hash, ProofType: pt}
		if proof, ok, err := s.proofCache.Get(key); err != nil {
			slog.WithError(err).WithField("proof_key", key.String()).Warn("could not check proof cache")
		} else if ok {
			s.submitToClients(pending.Slot, hash, pending.BlockRoot, proof, pending.TargetClients)
			continue
		}
		s.requestProof(pending.Slot, pending.BlockRoot, hash, pending.TargetClients, pt)
	}
}

// requestProof implements spec.md §4.5.3.
func (s *Service) requestProof(slot types.Slot, blockRoot types.BlockRoot, hash types.BlockHash, targetClients []string, proofType types.ProofType) {
	witness, ok, err := s.cfg.Witnesses.Get(hash)
	if err != nil || !ok {
		slog.WithField("block_hash", hash.String()).Error("request_proof called without available EL data")
		return
	}

	key := types.ProofKey{BlockHash: hash, ProofType: proofType}
	if pp, ok := s.pendingProofs.Get(key); ok {
		if time.Since(pp.CreatedAt) < PendingProofTimeout {
			return // duplicate in-flight request, spec.md invariant 2
		}
		s.pendingProofs.RemoveStaleKey(key)
	}

	programID, ok := s.cfg.ProgramIDs(proofType)
	if !ok {
		slog.WithField("proof_type", proofType.String()).Error("no program id configured for proof type")
		return
	}
	input := proofclient.StatelessInput{ProgramID: programID, Input: statelessInputBytes(witness)}

	genId, err := s.cfg.ProofEngine.Prove(s.ctx, proofType, input)
	if err != nil {
		slog.WithError(err).WithField("proof_key", key.String()).Error("proof engine submission failed")
		return
	}

	s.pendingProofs.Insert(&types.PendingProof{
		ProofType:     proofType,
		Slot:          slot,
		BlockHash:     hash,
		BlockRoot:     blockRoot,
		TargetClients: targetClients,
		CreatedAt:     time.Now(),
		ProofGenId:    genId,
	})
	metrics.ProofRequestsSubmittedCount.WithLabelValues(proofType.Name).Inc()
}

func statelessInputBytes(witness types.ElBlockWitness) []byte {
	out := make([]byte, 0, len(witness.Block)+len(witness.Witness))
	out = append(out, witness.Block...)
	out = append(out, witness.Witness...)
	return out
}

func (s *Service) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.pendingRequests.EvictExpired(now, PendingRequestTimeout)
			s.pendingProofs.EvictExpired(now, PendingRequestTimeout)
		}
	}
}
