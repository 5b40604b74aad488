package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/vio-bridge/internal/timeutil"
)

// DefaultPollInterval is how often the Manager reconciles interfaces.
const DefaultPollInterval = time.Second

// Status is a snapshot of one interface for admin and health reporting.
type Status struct {
	Name     string `json:"name"`
	Channel  string `json:"channel"`
	State    State  `json:"state"`
	Clients  int    `json:"clients"`
	AlwaysOn bool   `json:"always_on"`
	LastErr  string `json:"last_error,omitempty"`
	// Reads and Bytes count what the interface has received from its
	// channel so far.
	Reads uint64 `json:"reads"`
	Bytes uint64 `json:"bytes"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// AlwaysOn names interfaces that publish whether or not anyone listens.
	AlwaysOn map[string]bool
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
}

type managed struct {
	iface    Interface
	alwaysOn bool
	lastErr  string
	last     Status
}

// Manager advertises a set of interfaces, starts each one while it has
// subscribers (or is always on) and stops it when the last one leaves.
type Manager struct {
	clock    timeutil.Clock
	interval time.Duration

	mu        sync.Mutex
	items     []*managed
	observers []func(Status)
}

// NewManager returns a Manager for the given interfaces. Names must be
// unique.
func NewManager(opts ManagerOptions, ifaces ...Interface) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	m := &Manager{clock: opts.Clock, interval: opts.PollInterval}
	for _, iface := range ifaces {
		m.items = append(m.items, &managed{
			iface:    iface,
			alwaysOn: opts.AlwaysOn[iface.Name()],
		})
	}
	return m
}

// OnStateChange registers f to be called whenever an interface's state
// changes. f runs on the Manager goroutine.
func (m *Manager) OnStateChange(f func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, f)
}

// Advertise advertises every interface's topics so subscribers can attach
// before Run. On failure every interface is cleaned. Run calls it again,
// which is a no-op for interfaces already advertised.
func (m *Manager) Advertise() error {
	var errs []error
	m.mu.Lock()
	for _, it := range m.items {
		if it.iface.State() == StateAdvertised {
			continue
		}
		if err := it.iface.AdvertiseTopics(); err != nil {
			errs = append(errs, err)
		}
		m.notify(it)
	}
	m.mu.Unlock()
	if len(errs) > 0 {
		m.shutdown()
		return errors.Join(errs...)
	}
	return nil
}

// Run advertises every interface and reconciles them until ctx is done,
// then stops and cleans them all.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Advertise(); err != nil {
		return err
	}

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-ticker.C():
			m.Reconcile(ctx)
		}
	}
}

// Reconcile runs one supervision pass.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range m.items {
		iface := it.iface
		clients := iface.GetNumClients()
		wanted := clients > 0 || it.alwaysOn

		switch state := iface.State(); {
		case state == StateAdvertised && wanted:
			if err := iface.StartPublishing(ctx); err != nil {
				// Log once per distinct failure; the channel may simply
				// not exist yet.
				if msg := err.Error(); msg != it.lastErr {
					logf("%s not started: %v", iface.Name(), err)
					it.lastErr = msg
				}
			} else {
				it.lastErr = ""
			}
		case state == StateRunning && !wanted:
			iface.StopPublishing()
		}
		m.notify(it)
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		it.iface.StopPublishing()
		it.iface.Clean()
		m.notify(it)
	}
}

// notify publishes its status to observers when the state moved. Callers
// hold mu.
func (m *Manager) notify(it *managed) {
	s := m.status(it)
	changed := s.State != it.last.State
	it.last = s
	if !changed {
		return
	}
	for _, f := range m.observers {
		f(s)
	}
}

func (m *Manager) status(it *managed) Status {
	reads, n := it.iface.ChannelStats()
	return Status{
		Name:     it.iface.Name(),
		Channel:  it.iface.Channel(),
		State:    it.iface.State(),
		Clients:  it.iface.GetNumClients(),
		AlwaysOn: it.alwaysOn,
		LastErr:  it.lastErr,
		Reads:    reads,
		Bytes:    n,
	}
}

// Status returns a snapshot of every interface in configuration order.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, m.status(it))
	}
	return out
}
