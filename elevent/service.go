// Package elevent implements ElEventService: one instance per configured EL
// endpoint, subscribing to newHeads over WebSocket and forwarding each new
// block hash to ElDataService.
package elevent

import (
	"context"
	"math/rand"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"

	"github.com/eth-act/zkboost-sentry/elclient"
	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/types"
)

var slog = log.WithField("prefix", "el-event")

// minReconnectDelay and maxReconnectDelay bound the randomized reconnect
// delay from spec.md §4.3.
const (
	minReconnectDelay = 2 * time.Second
	maxReconnectDelay = 5 * time.Second
)

// Service is ElEventService for a single EL endpoint.
type Service struct {
	client  *elclient.Client
	fetches chan<- messages.FetchData

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an ElEventService that forwards FetchData requests onto
// fetches, ElDataService's request channel.
func New(parent context.Context, client *elclient.Client, fetches chan<- messages.FetchData) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		client:  client,
		fetches: fetches,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
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

// Status is always nil; stream errors are handled by reconnecting, never by
// escalating to a service failure.
func (s *Service) Status() error {
	return nil
}

func (s *Service) run() {
	defer close(s.done)
	for {
		if s.ctx.Err() != nil {
			slog.WithField("endpoint", s.client.Name).Info("el-event service shutting down")
			return
		}
		if err := s.subscribeOnce(); err != nil {
			slog.WithError(err).WithField("endpoint", s.client.Name).Warn("newHeads subscription ended, reconnecting")
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnectDelay()):
		}
	}
}

func reconnectDelay() time.Duration {
	span := maxReconnectDelay - minReconnectDelay
	return minReconnectDelay + time.Duration(rand.Int63n(int64(span)+1))
}

// subscribeOnce opens one newHeads subscription and forwards every header
// until the subscription errors or ctx is cancelled.
func (s *Service) subscribeOnce() error {
	headers := make(chan *gethtypes.Header, 16)
	sub, err := s.client.SubscribeNewHeads(s.ctx, headers)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case header := <-headers:
			s.forward(header)
		}
	}
}

// forward implements spec.md §4.3's backpressure rule: the send blocks on a
// full channel up to channel capacity, but never longer than ctx allows.
func (s *Service) forward(header *gethtypes.Header) {
	var hash types.BlockHash
	copy(hash[:], header.Hash().Bytes())

	select {
	case s.fetches <- messages.FetchData{BlockHash: hash}:
	case <-s.ctx.Done():
	}
}
