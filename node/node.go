// Package node wires together every sentry service: it dials the
// configured EL/CL endpoints, builds the shared storage and cache layer,
// constructs the five core services, and drives their combined lifecycle.
// It plays the role the teacher's beacon-chain/node package plays for the
// beacon chain's own services.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/eth-act/zkboost-sentry/backfill"
	"github.com/eth-act/zkboost-sentry/cache"
	"github.com/eth-act/zkboost-sentry/clclient"
	"github.com/eth-act/zkboost-sentry/clevent"
	"github.com/eth-act/zkboost-sentry/config"
	"github.com/eth-act/zkboost-sentry/elclient"
	"github.com/eth-act/zkboost-sentry/eldata"
	"github.com/eth-act/zkboost-sentry/elevent"
	"github.com/eth-act/zkboost-sentry/messages"
	"github.com/eth-act/zkboost-sentry/metrics"
	"github.com/eth-act/zkboost-sentry/proofclient"
	"github.com/eth-act/zkboost-sentry/proofsvc"
	"github.com/eth-act/zkboost-sentry/storage"
	"github.com/eth-act/zkboost-sentry/types"
)

var slog = log.WithField("prefix", "node")

// webhookStartupGrace is how long Start waits before checking whether the
// webhook server failed to bind its port.
const webhookStartupGrace = 150 * time.Millisecond

// registerMetricsOnce keeps repeated New calls in one process from
// registering the metrics collectors twice.
var registerMetricsOnce sync.Once

// Sentry is the assembled, runnable node: every service plus the resources
// they share.
type Sentry struct {
	registry registry

	store *storage.BlockStorage

	elClients []*elclient.Client
	clClients []*clclient.Client

	proofSvc *proofsvc.Service

	lock sync.Mutex
	stop chan struct{}
}

// New dials every configured endpoint, classifies CL clients into source vs
// zk-enabled, and wires the five core services together. It returns a
// non-nil error for any of spec.md §7.5's fatal startup conditions.
func New(parent context.Context, cfg *config.Config) (*Sentry, error) {
	store, err := storage.New(cfg.OutputDir, cfg.Chain, cfg.Retain)
	if err != nil {
		return nil, errors.Wrap(err, "could not open block storage")
	}

	elClients, err := dialElClients(parent, cfg)
	if err != nil {
		return nil, err
	}

	registerMetricsOnce.Do(func() { metrics.MustRegister(prometheus.DefaultRegisterer) })

	s := &Sentry{
		store: store,
		stop:  make(chan struct{}),
	}
	metricsSvc := metrics.NewService(fmt.Sprintf(":%d", cfg.MonitoringPort), s.registry.statuses)
	s.registry.register("metrics", metricsSvc)

	in := make(messages.ProofChan, messages.ChannelCapacity)
	eldataSvc, err := eldata.New(parent, elClients, store, in)
	if err != nil {
		return nil, errors.Wrap(err, "could not construct el-data service")
	}

	clClients, source, zkClients := classifyClClients(parent, cfg)
	if source == nil {
		return nil, errors.New("no non-zk source CL configured; at least one CL without the zkvm ENR flag is required")
	}

	proofSvc, err := buildProofService(parent, cfg, store, eldataSvc.Witnesses(), in, zkClients)
	if err != nil {
		return nil, err
	}

	s.elClients = elClients
	s.clClients = clClients
	s.proofSvc = proofSvc

	s.registry.register("el-data", eldataSvc)
	s.registry.register("proof", proofSvc)
	for _, cl := range clClients {
		s.registry.register("cl-event/"+cl.Name, clevent.New(parent, cl, store, in))
	}
	for _, el := range elClients {
		s.registry.register("el-event/"+el.Name, elevent.New(parent, el, eldataSvc.Requests()))
	}

	var zkClientSlice []*clclient.Client
	for _, cl := range clClients {
		if _, ok := zkClients[cl.Name]; ok {
			zkClientSlice = append(zkClientSlice, cl)
		}
	}
	s.registry.register("backfill", backfill.New(parent, source, zkClientSlice, eldataSvc.Witnesses(), eldataSvc.Requests(), in))

	return s, nil
}

func dialElClients(ctx context.Context, cfg *config.Config) ([]*elclient.Client, error) {
	clients := make([]*elclient.Client, 0, len(cfg.ElEndpoints))
	for _, ep := range cfg.ElEndpoints {
		client, err := elclient.Dial(ctx, elclient.Endpoint{Name: ep.Name, URL: ep.URL, WSURL: ep.WSURL})
		if err != nil {
			return nil, errors.Wrapf(err, "could not dial EL endpoint %s", ep.Name)
		}
		if _, err := client.ChainConfig(ctx); err != nil {
			slog.WithError(err).WithField("endpoint", ep.Name).Warn("debug_chainConfig check failed; continuing")
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// classifyClClients builds a Client for every configured CL and splits them
// into the source CL (the first one lacking the zkvm ENR flag) and the
// zk-enabled set (every one carrying it), per SPEC_FULL.md §6.
func classifyClClients(ctx context.Context, cfg *config.Config) (all []*clclient.Client, source *clclient.Client, zkClients map[string]struct{}) {
	zkClients = make(map[string]struct{})
	for _, ep := range cfg.ClEndpoints {
		client := clclient.New(clclient.Endpoint{Name: ep.Name, URL: ep.URL})
		all = append(all, client)

		isZk, err := client.SupportsZkProofs(ctx)
		if err != nil {
			slog.WithError(err).WithField("endpoint", ep.Name).Warn("could not query node identity; treating as non-zk")
			isZk = false
		}
		if isZk {
			zkClients[ep.Name] = struct{}{}
			continue
		}
		if source == nil {
			source = client
		}
	}
	return all, source, zkClients
}

func buildProofService(ctx context.Context, cfg *config.Config, store *storage.BlockStorage, witnesses *cache.Store[types.BlockHash, types.ElBlockWitness], in messages.ProofChan, zkNames map[string]struct{}) (*proofsvc.Service, error) {
	engineProofTypes := make([]types.ProofType, 0, len(cfg.ProofEngine.ProofTypes))
	for _, name := range cfg.ProofEngine.ProofTypes {
		pt, ok := types.ProofTypeByName(name)
		if !ok {
			slog.WithField("proof_type", name).Warn("unknown proof type in config, ignoring")
			continue
		}
		engineProofTypes = append(engineProofTypes, pt)
	}

	programIDs := func(pt types.ProofType) (string, bool) {
		for _, want := range engineProofTypes {
			if want == pt {
				return pt.Name, true
			}
		}
		return "", false
	}

	zkSubmitters := proofsvc.NewZkClientMap()
	for name := range zkNames {
		zkSubmitters[name] = clclient.New(clclient.Endpoint{Name: name, URL: findClURL(cfg, name)})
	}

	proofSvc, err := proofsvc.New(ctx, in, proofsvc.Config{
		EngineProofTypes: engineProofTypes,
		ProgramIDs:       programIDs,
		ProofEngine:      proofclient.New(cfg.ProofEngine.URL),
		ZkClients:        zkSubmitters,
		Store:            store,
		Witnesses:        witnesses,
		WebhookAddr:      fmt.Sprintf(":%d", cfg.ProofEngine.WebhookPort),
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not construct proof service")
	}
	return proofSvc, nil
}

func findClURL(cfg *config.Config, name string) string {
	for _, ep := range cfg.ClEndpoints {
		if ep.Name == name {
			return ep.URL
		}
	}
	return ""
}

// Start begins every registered service and blocks until Close is called or
// a termination signal arrives.
func (s *Sentry) Start() error {
	s.lock.Lock()
	slog.Info("starting sentry")
	s.registry.startAll()
	stop := s.stop
	s.lock.Unlock()

	time.Sleep(webhookStartupGrace)
	if err := s.proofSvc.Status(); err != nil {
		go s.Close()
		return errors.Wrap(err, "webhook server failed to start")
	}

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		slog.Info("received interrupt, shutting down")
		go s.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				slog.WithField("remaining", i-1).Info("already shutting down; interrupt more to force exit")
			}
		}
		os.Exit(1)
	}()

	<-stop
	return nil
}

// Close stops every registered service in reverse start order.
func (s *Sentry) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	select {
	case <-s.stop:
		return // already closed
	default:
	}
	s.registry.stopAll()
	slog.Info("sentry stopped")
	close(s.stop)
}
