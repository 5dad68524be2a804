package proofsvc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/eth-act/zkboost-sentry/metrics"
	"github.com/eth-act/zkboost-sentry/types"
)

// webhookPayload is the body POSTed by the proof engine on job completion.
type webhookPayload struct {
	ProofGenId     string `json:"proof_gen_id"`
	PublicValues   string `json:"public_values"`
	Proof          string `json:"proof"`
	ProvingTimeMs  int64  `json:"proving_time_ms"`
	Error          string `json:"error,omitempty"`
}

// webhookServer hosts the proof-engine's POST /proofs callback.
type webhookServer struct {
	addr   string
	svc    *Service
	server *http.Server

	failMu  sync.Mutex
	failErr error
}

func newWebhookServer(addr string, svc *Service) *webhookServer {
	router := mux.NewRouter()
	w := &webhookServer{addr: addr, svc: svc}
	router.HandleFunc("/proofs", w.handleProofWebhook).Methods(http.MethodPost)
	w.server = &http.Server{Addr: addr, Handler: router}
	return w
}

func (w *webhookServer) Start() {
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.WithError(err).WithField("address", w.addr).Error("webhook server stopped unexpectedly")
			w.failMu.Lock()
			w.failErr = err
			w.failMu.Unlock()
		}
	}()
}

func (w *webhookServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(ctx)
}

func (w *webhookServer) Status() error {
	w.failMu.Lock()
	defer w.failMu.Unlock()
	return w.failErr
}

// handleProofWebhook implements spec.md §4.5.5.
func (w *webhookServer) handleProofWebhook(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, WebhookBodyLimit)

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(rw, "invalid webhook body", http.StatusBadRequest)
		return
	}

	s := w.svc
	pending, ok := s.pendingProofs.RemoveByGenId(types.ProofGenId(payload.ProofGenId))
	if !ok {
		metrics.ProofWebhookCompletionsCount.WithLabelValues("unknown_job").Inc()
		http.Error(rw, "unknown proof_gen_id", http.StatusBadRequest)
		return
	}

	if payload.Error != "" {
		slog.WithFields(map[string]interface{}{
			"proof_gen_id": payload.ProofGenId,
			"block_hash":   pending.BlockHash.String(),
			"error":        payload.Error,
		}).Warn("proof engine reported an error; no automatic retry")
		metrics.ProofWebhookCompletionsCount.WithLabelValues("engine_error").Inc()
		rw.WriteHeader(http.StatusOK)
		return
	}

	proofBytes, err := base64.StdEncoding.DecodeString(payload.Proof)
	if err != nil {
		slog.WithError(err).WithField("proof_gen_id", payload.ProofGenId).Error("could not decode proof bytes")
		http.Error(rw, "invalid proof encoding", http.StatusInternalServerError)
		return
	}

	proof := types.Proof{ProofType: pending.ProofType, ProofData: proofBytes}
	key := types.ProofKey{BlockHash: pending.BlockHash, ProofType: pending.ProofType}
	s.proofCache.Put(key, proof)
	if err := s.cfg.Store.SaveProof(pending.BlockHash, pending.ProofType, proof); err != nil {
		slog.WithError(err).WithField("proof_key", key.String()).Warn("could not persist completed proof to disk")
	}

	metrics.ProofWebhookCompletionsCount.WithLabelValues("success").Inc()
	rw.WriteHeader(http.StatusOK)

	s.submitToClients(pending.Slot, pending.BlockHash, pending.BlockRoot, proof, pending.TargetClients)
}

// submitToClients implements spec.md §4.5.6: one detached retrying task per
// target client.
func (s *Service) submitToClients(slot types.Slot, blockHash types.BlockHash, blockRoot types.BlockRoot, proof types.Proof, targetClients []string) {
	for _, name := range targetClients {
		client, ok := s.cfg.ZkClients[name]
		if !ok {
			continue
		}
		s.wg.Add(1)
		go func(name string, client proofSubmitter) {
			defer s.wg.Done()
			s.submitWithRetry(name, client, slot, blockHash, blockRoot, proof)
		}(name, client)
	}
}

type proofSubmitter interface {
	SubmitProof(ctx context.Context, pt types.ProofType, slot types.Slot, blockHash types.BlockHash, blockRoot types.BlockRoot, proofData []byte) error
}

func (s *Service) submitWithRetry(clientName string, client proofSubmitter, slot types.Slot, blockHash types.BlockHash, blockRoot types.BlockRoot, proof types.Proof) {
	for attempt := 0; ; attempt++ {
		err := client.SubmitProof(s.ctx, proof.ProofType, slot, blockHash, blockRoot, proof.ProofData)
		if err == nil {
			return
		}
		if attempt >= ProofSubmissionMaxRetries {
			metrics.ClSubmissionFailuresCount.WithLabelValues(clientName).Inc()
			slog.WithError(err).WithFields(map[string]interface{}{
				"client":     clientName,
				"block_hash": blockHash.String(),
				"attempts":   attempt + 1,
			}).Error("proof submission exhausted retries")
			return
		}
		metrics.ClSubmissionRetriesCount.WithLabelValues(clientName).Inc()
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
	}
}
