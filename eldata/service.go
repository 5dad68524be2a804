// Package eldata implements ElDataService: deliver an ElBlockWitness for any
// requested block hash, with at most one concurrent fetch per hash.
package eldata

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/eth-act/zkboost-sentry/cache"
	"github.com/eth-act/zkboost-sentry/elclient"
	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/metrics"
	"github.com/eth-act/zkboost-sentry/storage"
	"github.com/eth-act/zkboost-sentry/types"
)

var slog = log.WithField("prefix", "el-data")

// Service is ElDataService.
type Service struct {
	endpoints []*elclient.Client
	store     *storage.BlockStorage
	witnesses *cache.Store[types.BlockHash, types.ElBlockWitness]

	requests chan messages.FetchData
	out      messages.ProofChan

	inFlightMu sync.Mutex
	inFlight   map[types.BlockHash]struct{}

	wg sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	failMu   sync.Mutex
	failErr  error
}

// New builds an ElDataService over the given endpoints, in configured
// fetch-order, persisting hits to store and notifying out on readiness.
func New(parent context.Context, endpoints []*elclient.Client, store *storage.BlockStorage, out messages.ProofChan) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		endpoints: endpoints,
		store:     store,
		requests:  make(chan messages.FetchData, messages.ChannelCapacity),
		out:       out,
		inFlight:  make(map[types.BlockHash]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	witnesses, err := cache.New[types.BlockHash, types.ElBlockWitness](1024, s.loadFromDisk)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not allocate witness cache")
	}
	s.witnesses = witnesses
	return s, nil
}

// Requests returns the channel other services send FetchData on.
func (s *Service) Requests() chan<- messages.FetchData {
	return s.requests
}

func (s *Service) loadFromDisk(hash types.BlockHash) (types.ElBlockWitness, bool, error) {
	return s.store.LoadElData(hash)
}

// Start begins the service's main select-loop in a new goroutine.
func (s *Service) Start() {
	go s.run()
}

// Stop cancels outstanding fetch tasks and stops the main loop.
func (s *Service) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Status reports the most recent unrecoverable failure, if any.
func (s *Service) Status() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

func (s *Service) run() {
	for {
		select {
		case <-s.ctx.Done():
			slog.Info("el-data service shutting down")
			return
		case req := <-s.requests:
			s.handleFetchData(req.BlockHash)
		}
	}
}

// handleFetchData implements the FetchData contract from spec.md §4.4.
func (s *Service) handleFetchData(hash types.BlockHash) {
	if s.witnesses.Contains(hash) {
		s.notifyReady(hash)
		return
	}

	witness, ok, err := s.store.LoadElData(hash)
	if err != nil {
		slog.WithError(err).WithField("block_hash", hash.String()).Warn("could not check disk for witness")
	} else if ok {
		s.witnesses.Put(hash, witness)
		s.notifyReady(hash)
		return
	}

	s.inFlightMu.Lock()
	if _, already := s.inFlight[hash]; already {
		s.inFlightMu.Unlock()
		return
	}
	s.inFlight[hash] = struct{}{}
	s.inFlightMu.Unlock()

	s.wg.Add(1)
	go s.fetch(hash)
}

func (s *Service) notifyReady(hash types.BlockHash) {
	msg := messages.ProofMsg{BlockDataReady: &messages.BlockDataReady{BlockHash: hash}}
	select {
	case s.out <- msg:
	case <-s.ctx.Done():
	}
}

// fetch iterates configured EL endpoints in order until one returns both a
// block and a witness, persists the result, and notifies ProofService.
func (s *Service) fetch(hash types.BlockHash) {
	defer s.wg.Done()
	defer func() {
		s.inFlightMu.Lock()
		delete(s.inFlight, hash)
		s.inFlightMu.Unlock()
	}()

	ethHash := common.BytesToHash(hash[:])
	for _, ep := range s.endpoints {
		block, err := ep.BlockByHash(s.ctx, ethHash)
		if err != nil || block == nil {
			if err != nil {
				slog.WithError(err).WithFields(log.Fields{"endpoint": ep.Name, "block_hash": hash.String()}).Debug("block fetch failed")
			}
			continue
		}
		witnessData, err := ep.ExecutionWitnessByBlockHash(s.ctx, ethHash)
		if err != nil || witnessData == nil {
			if err != nil {
				slog.WithError(err).WithFields(log.Fields{"endpoint": ep.Name, "block_hash": hash.String()}).Debug("witness fetch failed")
			}
			continue
		}

		blockNumber, gasUsed, err := parseBlockMetadata(block)
		if err != nil {
			slog.WithError(err).WithFields(log.Fields{"endpoint": ep.Name, "block_hash": hash.String()}).Warn("could not parse block_number/gas_used from block")
		}

		witness := types.ElBlockWitness{
			BlockHash:   hash,
			BlockNumber: blockNumber,
			Block:       block,
			Witness:     witnessData,
			GasUsed:     gasUsed,
		}
		if err := s.store.SaveElData(witness); err != nil {
			slog.WithError(err).WithField("block_hash", hash.String()).Warn("could not persist witness to disk")
		}
		s.witnesses.Put(hash, witness)
		metrics.ElFetchSuccessCount.WithLabelValues(ep.Name).Inc()
		s.notifyReady(hash)
		return
	}

	metrics.ElFetchFailureCount.Inc()
	slog.WithField("block_hash", hash.String()).Error("no configured EL endpoint returned block and witness")
}

// parseBlockMetadata extracts block_number/gas_used from the raw
// eth_getBlockByHash JSON, leaving the rest of the payload untouched for
// storage and the proof engine.
func parseBlockMetadata(raw []byte) (types.BlockNumber, uint64, error) {
	var fields struct {
		Number  hexutil.Uint64 `json:"number"`
		GasUsed hexutil.Uint64 `json:"gasUsed"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0, 0, errors.Wrap(err, "could not decode block_number/gas_used")
	}
	return types.BlockNumber(fields.Number), uint64(fields.GasUsed), nil
}

// Witnesses exposes the read-through witness cache for ProofService and
// BackfillService to check EL-data availability without issuing a fetch.
func (s *Service) Witnesses() *cache.Store[types.BlockHash, types.ElBlockWitness] {
	return s.witnesses
}
