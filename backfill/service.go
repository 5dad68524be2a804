// Package backfill implements BackfillService: on a 500 ms tick, compares
// each zk-enabled CL's head slot against the source CL's head slot and
// opportunistically requests proofs for slots the zk-CL has fallen behind
// on.
package backfill

import (
	"context"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/eth-act/zkboost-sentry/cache"
	"github.com/eth-act/zkboost-sentry/clclient"
	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/metrics"
	"github.com/eth-act/zkboost-sentry/target"
	"github.com/eth-act/zkboost-sentry/types"
)

var slog = log.WithField("prefix", "backfill")

const (
	// TickInterval is how often BackfillService checks for lagging zk-CLs.
	TickInterval = 500 * time.Millisecond
	// laggingGapThreshold: a zk-CL is considered lagging only once its head
	// slot is strictly more than 5 slots behind the source CL's.
	laggingGapThreshold = -5
	// maxSlotsPerTick bounds how many slots a single tick will backfill for
	// one zk-CL, per spec.md §4.6.
	maxSlotsPerTick = 20
)

// Service is BackfillService.
type Service struct {
	source    *clclient.Client
	zkClients []*clclient.Client
	witnesses *cache.Store[types.BlockHash, types.ElBlockWitness]
	fetches   chan<- messages.FetchData
	out       messages.ProofChan

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds BackfillService. source is the non-zk reference CL; zkClients
// are the zk-enabled CLs opportunistically backfilled.
func New(parent context.Context, source *clclient.Client, zkClients []*clclient.Client, witnesses *cache.Store[types.BlockHash, types.ElBlockWitness], fetches chan<- messages.FetchData, out messages.ProofChan) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		source:    source,
		zkClients: zkClients,
		witnesses: witnesses,
		fetches:   fetches,
		out:       out,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins the 500ms tick loop in a new goroutine.
func (s *Service) Start() {
	go s.run()
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Service) Stop() error {
	s.cancel()
	<-s.done
	return nil
}

// Status is always nil; a failed source-CL query simply skips a tick.
func (s *Service) Status() error {
	return nil
}

func (s *Service) run() {
	defer close(s.done)
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			slog.Info("backfill service shutting down")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick implements spec.md §4.6.
func (s *Service) tick() {
	sourceHead, err := s.source.HeadSlot(s.ctx)
	if err != nil {
		slog.WithError(err).Warn("could not query source CL head slot, skipping tick")
		return
	}

	for _, zk := range s.zkClients {
		zkHead, err := zk.HeadSlot(s.ctx)
		if err != nil {
			slog.WithError(err).WithField("client", zk.Name).Warn("could not query zk-CL head slot")
			continue
		}

		gap := int64(zkHead) - int64(sourceHead)
		metrics.BackfillGapGauge.WithLabelValues(zk.Name).Set(float64(gap))

		if gap >= laggingGapThreshold {
			continue // not lagging enough to warrant backfill this tick
		}

		lag := -gap
		if lag > maxSlotsPerTick {
			lag = maxSlotsPerTick
		}
		s.backfillClient(zk, zkHead, zkHead+types.Slot(lag))
	}
}

// backfillClient requests proofs for every provable slot in (from, to],
// ascending, targeting only the lagging zk-CL.
func (s *Service) backfillClient(zk *clclient.Client, from, to types.Slot) {
	for slot := from + 1; slot <= to; slot++ {
		blockHash, found, err := s.source.BlockExecutionHash(s.ctx, strconv.FormatUint(uint64(slot), 10))
		if err != nil {
			continue // empty slot or transient error; move on to the next
		}
		if !found {
			continue // no execution payload on this beacon block
		}

		if _, ok, err := s.witnesses.Get(blockHash); err != nil || !ok {
			select {
			case s.fetches <- messages.FetchData{BlockHash: blockHash}:
			case <-s.ctx.Done():
				return
			}
		}

		// BlockRoot is left zero: backfill never resolves it from the source
		// CL's block response, matching spec.md §4.6's RequestProof shape.
		msg := messages.ProofMsg{RequestProof: &messages.RequestProof{
			Slot:               slot,
			ExecutionBlockHash: blockHash,
			TargetClients:      target.NewSpecific(zk.Name),
			TargetProofTypes:   target.NewAll[types.ProofType](),
		}}
		select {
		case s.out <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}
