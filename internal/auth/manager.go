// Package auth implements the Auth Manager (spec.md §4.G): invitation
// exchange, scheduled token refresh, and local persistence of the
// resulting credential.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// refreshInterval is fixed at 45 minutes against a credential nominal
// lifetime of 60 minutes (spec.md §4.G) — a 15-minute safety margin,
// not derived from the server's reported expiresIn.
const refreshInterval = 45 * time.Minute

// staleAfter bounds how old a persisted credential may be before the
// Manager gives up trying to reuse it and falls back to invitation
// exchange (spec.md §4.G).
const staleAfter = 7 * 24 * time.Hour

// ErrRefreshFailed is returned by Token when the credential has never
// been successfully acquired.
var ErrRefreshFailed = errors.New("auth: no valid credential")

// Manager owns the single live credential for this gateway process,
// refreshing it on a ticker and on demand (triggered by the Forwarder
// on an auth failure), generalising the ticker+single-flight shape of
// the teacher's refresh worker (without its warmup delay) down to one
// credential instead of a pool of per-subscription refreshers.
type Manager struct {
	client         *InvitationClient
	store          *Store
	location       string
	companyID      string
	invitationCode string
	logger         *slog.Logger

	mu         sync.Mutex
	token      string
	acquiredAt time.Time
	lastErr    error
	refreshing bool

	refreshCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs the Manager and performs the startup acquisition
// described in spec.md §4.G: reuse the persisted credential if it is
// younger than seven days, otherwise exchange the invitation code for
// a fresh one.
func New(ctx context.Context, client *InvitationClient, store *Store, location, companyID, invitationCode string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		client:         client,
		store:          store,
		location:       location,
		companyID:      companyID,
		invitationCode: invitationCode,
		logger:         logger,
		refreshCh:      make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	if err := m.acquireStartupCredential(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) acquireStartupCredential(ctx context.Context) error {
	cred, err := m.store.Load()
	if err == nil && time.Since(cred.AcquiredAt) < staleAfter {
		refreshErr := m.refreshWith(ctx, cred.Token)
		if refreshErr == nil {
			m.logger.Info("auth: reused persisted credential", "location", m.location)
			return nil
		}
		m.logger.Warn("auth: persisted credential rejected on reuse, clearing", "error", refreshErr)
		if clearErr := m.store.Clear(); clearErr != nil {
			m.logger.Warn("auth: failed to clear stale credential", "error", clearErr)
		}
	} else if err != nil && !errors.Is(err, ErrNoCredential) {
		m.logger.Warn("auth: failed to load persisted credential", "error", err)
	}

	return m.exchangeInvitation(ctx)
}

func (m *Manager) exchangeInvitation(ctx context.Context) error {
	resp, err := m.client.ValidateInvitation(ctx, m.invitationCode)
	if err != nil {
		return fmt.Errorf("auth: validate invitation: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: validateInvitation reported failure", ErrRefreshFailed)
	}
	m.setCredential(resp.CustomToken)
	return m.persist()
}

func (m *Manager) refreshWith(ctx context.Context, currentToken string) error {
	resp, err := m.client.RefreshToken(ctx, currentToken)
	if err != nil {
		return fmt.Errorf("auth: refresh token: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: refreshToken reported failure", ErrRefreshFailed)
	}
	m.setCredential(resp.CustomToken)
	return m.persist()
}

func (m *Manager) setCredential(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.acquiredAt = time.Now()
	m.lastErr = nil
}

func (m *Manager) persist() error {
	m.mu.Lock()
	cred := Credential{Token: m.token, Location: m.location, Company: m.companyID, AcquiredAt: m.acquiredAt}
	m.mu.Unlock()
	return m.store.Save(cred)
}

// Token returns the current bearer token, or ErrRefreshFailed if no
// valid credential has ever been acquired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		if m.lastErr != nil {
			return "", fmt.Errorf("%w: %v", ErrRefreshFailed, m.lastErr)
		}
		return "", ErrRefreshFailed
	}
	return m.token, nil
}

// TriggerRefresh wakes the background refresh loop immediately,
// satisfying forward.TokenRefresher. It is non-blocking: a refresh
// already queued or in flight absorbs duplicate triggers, since every
// write under load that hits an expired token would otherwise fire one
// of these per in-flight request.
func (m *Manager) TriggerRefresh(ctx context.Context) {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// Run drives the scheduled refresh loop until ctx is cancelled or
// Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.doneCh)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			m.doRefresh(ctx)
		case <-m.refreshCh:
			m.doRefresh(ctx)
			ticker.Reset(refreshInterval)
		}
	}
}

// doRefresh is single-flight: the refreshing flag makes a call that
// overlaps one already in progress return without doing the work. Run
// calls it serially from its one loop, so a ticker tick and a
// TriggerRefresh that arrive together still refresh twice, one after
// the other.
func (m *Manager) doRefresh(ctx context.Context) {
	m.mu.Lock()
	if m.refreshing {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	token := m.token
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	if err := m.refreshWith(ctx, token); err != nil {
		m.logger.Error("auth: scheduled refresh failed", "error", err)
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
	}
}

// Stop signals Run to return and waits for it to do so.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}
