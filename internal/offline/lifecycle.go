package offline

import (
	"context"
	"fmt"
	"net/http"

	"offlinegate/internal/metrics"
)

// State is where a manager is in its version lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateInstalling
	StateActive
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInstalling:
		return "installing"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Lifecycle is driven by the platform adapter, one call per lifecycle event.
type Lifecycle interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnFetch(req *http.Request) (*http.Response, error)
	OnSync(ctx context.Context, tag string) error
}

var _ Lifecycle = (*Manager)(nil)

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) transition(from, to State) error {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (state is %s)", ErrLifecycle, from, to, m.State())
	}
	metrics.SetLifecycleState(m.cfg.StoreName, float64(to))
	m.logger.Info("lifecycle transition", "store", m.cfg.StoreName, "from", from.String(), "to", to.String())
	return nil
}

// OnInstall seeds the store. A failed install returns the manager to
// uninitialized so it can be retried.
func (m *Manager) OnInstall(ctx context.Context) error {
	if err := m.transition(StateUninitialized, StateInstalling); err != nil {
		return err
	}
	if err := m.Initialize(ctx, m.cfg.StoreName, m.cfg.SeedURLs); err != nil {
		m.state.Store(int32(StateUninitialized))
		metrics.SetLifecycleState(m.cfg.StoreName, float64(StateUninitialized))
		return fmt.Errorf("install: %w", err)
	}
	return nil
}

// OnActivate evicts stores outside the allow-list and starts serving. A
// failed eviction is logged; the manager still activates.
func (m *Manager) OnActivate(ctx context.Context) error {
	if err := m.transition(StateInstalling, StateActive); err != nil {
		return err
	}
	if _, err := m.Evict(ctx, m.cfg.AllowList); err != nil {
		m.logger.Error("evict failed", "store", m.cfg.StoreName, "err", err)
	}
	return nil
}

// Supersede marks an active manager as replaced by a newer version.
// No revalidation starts after it returns.
func (m *Manager) Supersede() error {
	m.bgMu.Lock()
	defer m.bgMu.Unlock()
	return m.transition(StateActive, StateSuperseded)
}

// OnFetch handles an intercepted request. Only an active manager consults the
// cache; otherwise the request goes to the network untouched.
func (m *Manager) OnFetch(req *http.Request) (*http.Response, error) {
	policy := m.cfg.Policy
	if p, ok := PolicyFromContext(req.Context()); ok {
		policy = p
	}
	if m.State() != StateActive {
		return m.passThrough(req, policy)
	}
	return m.HandleWith(req, policy)
}
