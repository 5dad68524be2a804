package node

// Service is the lifecycle contract every sentry component implements:
// ElDataService, ProofService, ClEventService, ElEventService, and
// BackfillService.
type Service interface {
	Start()
	Stop() error
	Status() error
}

// registryEntry pairs a running service with the name it is reported under.
type registryEntry struct {
	name    string
	service Service
}

// registry is a minimal service container: services are started in
// registration order and stopped in reverse order, the way BeaconNode
// drives its own services' Start/Stop.
type registry struct {
	entries []registryEntry
}

func (r *registry) register(name string, s Service) {
	r.entries = append(r.entries, registryEntry{name: name, service: s})
}

func (r *registry) startAll() {
	for _, e := range r.entries {
		slog.WithField("service", e.name).Info("starting service")
		e.service.Start()
	}
}

// stopAll stops every service in reverse start order, collecting (not
// short-circuiting on) individual stop errors.
func (r *registry) stopAll() []error {
	var errs []error
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if err := e.service.Stop(); err != nil {
			slog.WithError(err).WithField("service", e.name).Warn("service stop returned an error")
			errs = append(errs, err)
		}
	}
	return errs
}

// statuses returns the Status() of every registered service, by name.
func (r *registry) statuses() map[string]error {
	out := make(map[string]error, len(r.entries))
	for _, e := range r.entries {
		out[e.name] = e.service.Status()
	}
	return out
}
