// Package clevent implements ClEventService: subscribes to a consensus-layer
// node's head SSE stream, resolves each head's execution block hash,
// persists the observed (block_hash, slot, beacon_root) tuple, and requests
// a proof for it from every configured proof type and CL client.
package clevent

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/eth-act/zkboost-sentry/clclient"
	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/storage"
	"github.com/eth-act/zkboost-sentry/target"
	"github.com/eth-act/zkboost-sentry/types"
)

var slog = log.WithField("prefix", "cl-event")

// ReconnectDelay is how long the service waits before resubscribing after a
// stream error or end-of-stream, per spec.md §4.2.
const ReconnectDelay = 5 * time.Second

// Service is ClEventService for a single CL endpoint.
type Service struct {
	client *clclient.Client
	store  *storage.BlockStorage
	out    messages.ProofChan

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a ClEventService over one CL client.
func New(parent context.Context, client *clclient.Client, store *storage.BlockStorage, out messages.ProofChan) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		client: client,
		store:  store,
		out:    out,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start begins the subscribe-and-reconnect loop in a new goroutine.
func (s *Service) Start() {
	go s.run()
}

// Stop cancels the subscription and waits for the loop to exit.
func (s *Service) Stop() error {
	s.cancel()
	<-s.done
	return nil
}

// Status is always nil; transient stream errors never escalate to a service
// failure, matching spec.md's error taxonomy for CL event handling.
func (s *Service) Status() error {
	return nil
}

func (s *Service) run() {
	defer close(s.done)
	for {
		if s.ctx.Err() != nil {
			slog.WithField("client", s.client.Name).Info("cl-event service shutting down")
			return
		}
		if err := s.subscribeOnce(); err != nil {
			slog.WithError(err).WithField("client", s.client.Name).Warn("head subscription ended, reconnecting")
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(ReconnectDelay):
		}
	}
}

// subscribeOnce opens one SSE subscription and consumes head events until
// the stream ends or ctx is cancelled.
func (s *Service) subscribeOnce() error {
	events, err := s.client.SubscribeHead(s.ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil // end-of-stream; caller reconnects
			}
			s.handleHeadEvent(ev)
		}
	}
}

// handleHeadEvent implements spec.md §4.2. Optimistic head events are still
// processed in full: execution_optimistic does not gate proof requests,
// only a genuinely empty execution payload does.
func (s *Service) handleHeadEvent(ev clclient.HeadEvent) {
	blockHash, found, err := s.client.BlockExecutionHash(s.ctx, ev.Block)
	if err != nil {
		slog.WithError(err).WithFields(log.Fields{
			"client": s.client.Name,
			"slot":   ev.Slot,
		}).Warn("could not resolve execution block hash for head event")
		return
	}
	if !found {
		return // no execution payload on this beacon block; nothing to prove
	}

	blockRoot, err := parseBlockRoot(ev.Block)
	if err != nil {
		slog.WithError(err).WithField("block", ev.Block).Warn("could not parse beacon block root from head event")
		return
	}

	if err := s.store.SaveClData(blockHash, ev.Slot, blockRoot); err != nil {
		slog.WithError(err).WithField("block_hash", blockHash.String()).Warn("could not persist cl data")
	}

	msg := messages.ProofMsg{RequestProof: &messages.RequestProof{
		Slot:               ev.Slot,
		BlockRoot:          blockRoot,
		ExecutionBlockHash: blockHash,
		TargetClients:      target.NewAll[string](),
		TargetProofTypes:   target.NewAll[types.ProofType](),
	}}
	select {
	case s.out <- msg:
	case <-s.ctx.Done():
	}
}

func parseBlockRoot(s string) (types.BlockRoot, error) {
	var root types.BlockRoot
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return root, errors.Wrap(err, "invalid beacon block root")
	}
	if len(b) != 32 {
		return root, errors.Errorf("expected 32-byte beacon block root, got %d bytes", len(b))
	}
	copy(root[:], b)
	return root, nil
}
