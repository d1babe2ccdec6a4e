package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// State describes the manager's view of the current token.
type State string

const (
	StateValid    State = "valid"
	StateRenewing State = "renewing"
	StateDegraded State = "degraded"
)

// TokenIssuer obtains fresh sessions from the broker.
type TokenIssuer interface {
	IssueToken(ctx context.Context) (models.Session, error)
}

// Auditor journals token lifecycle transitions.
type Auditor interface {
	RecordSessionEvent(ctx context.Context, ev models.SessionEvent) error
}

// Manager owns the broker session. It issues the first token at startup,
// renews in the background before expiry, and serves the current token to
// every other component. Renewal failures put the manager in a degraded
// state where the old token is served until its real expiry while renewal
// keeps retrying.
type Manager struct {
	config  appconfig.SessionConfig
	issuer  TokenIssuer
	auditor Auditor
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	session models.Session
	state   State

	// renewMu serializes issuance between the background loop and
	// ForceRefresh callers.
	renewMu sync.Mutex
	poke    chan struct{}

	renewals int64
	failures int64
}

// NewManager builds a manager. The auditor may be nil, in which case
// lifecycle transitions are only logged.
func NewManager(cfg appconfig.SessionConfig, issuer TokenIssuer, auditor Auditor) *Manager {
	return &Manager{
		config:  cfg,
		issuer:  issuer,
		auditor: auditor,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		poke:    make(chan struct{}, 1),
	}
}

// Start issues the first token synchronously. A failure here is fatal:
// nothing downstream can run without a session.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("session manager already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	log := m.log.WithComponent("session_manager").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting session manager")

	session, err := m.issuer.IssueToken(ctx)
	if err != nil {
		return models.FatalStartup(fmt.Errorf("initial token issuance failed: %w", err))
	}

	m.mu.Lock()
	m.session = session
	m.state = StateValid
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"expires_at": session.ExpiresAt,
		"lifetime":   session.Lifetime().String(),
	}).Info("session established")
	m.audit(ctx, models.SessionIssued, "")

	m.wg.Add(1)
	go m.renewLoop()

	log.Info("session manager started successfully")
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.log.WithComponent("session_manager").Info("stopping session manager")
	m.wg.Wait()
	m.log.WithComponent("session_manager").Info("session manager stopped")
}

// Token returns the current token. Once the session is past its real
// expiry and renewal has not succeeded, callers get an auth error.
func (m *Manager) Token() (string, error) {
	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()

	if !session.Valid(time.Now()) {
		return "", models.AuthExpired(fmt.Errorf("session expired at %s", session.ExpiresAt.Format(time.RFC3339)))
	}
	return session.Token, nil
}

// State reports the manager state for health reporting.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Expiry reports the current token's expiry for health reporting.
func (m *Manager) Expiry() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.ExpiresAt
}

// ForceRefresh discards the current token and synchronously obtains a new
// one. Callers that lost a race with another refresh get the fresh token
// without a second issuance.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	stale := m.session.Token
	m.mu.RUnlock()

	m.renewMu.Lock()
	defer m.renewMu.Unlock()

	m.mu.RLock()
	current := m.session
	m.mu.RUnlock()
	if current.Token != stale && current.Valid(time.Now()) {
		return current.Token, nil
	}

	if err := m.renew(ctx); err != nil {
		return "", err
	}

	// Wake the background loop so it recomputes its timer.
	select {
	case m.poke <- struct{}{}:
	default:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Token, nil
}

// renewLoop renews the token when the remaining lifetime drops below the
// configured lead fraction, retrying on an interval while degraded.
func (m *Manager) renewLoop() {
	defer m.wg.Done()

	log := m.log.WithComponent("session_manager").WithFields(logger.Fields{"worker": "renew_loop"})

	for {
		m.mu.RLock()
		session := m.session
		m.mu.RUnlock()

		lead := time.Duration(float64(session.Lifetime()) * m.config.RefreshLeadFraction)
		wait := time.Until(session.ExpiresAt.Add(-lead))
		if wait < 0 {
			wait = 0
		}

		select {
		case <-m.ctx.Done():
			log.Info("renew loop stopped due to context cancellation")
			return
		case <-m.poke:
			continue
		case <-time.After(wait):
		}

		m.renewMu.Lock()
		m.mu.RLock()
		renewed := m.session.Token != session.Token
		m.mu.RUnlock()
		if renewed {
			m.renewMu.Unlock()
			continue
		}
		err := m.renew(m.ctx)
		m.renewMu.Unlock()

		if err != nil {
			m.mu.Lock()
			m.state = StateDegraded
			m.failures++
			m.mu.Unlock()

			log.WithError(err).WithFields(logger.Fields{
				"expires_at": session.ExpiresAt,
				"retry_in":   m.config.RetryInterval.String(),
			}).Warn("token renewal failed, serving current token until expiry")

			select {
			case <-m.ctx.Done():
				return
			case <-m.poke:
			case <-time.After(m.config.RetryInterval.Std()):
			}
		}
	}
}

func (m *Manager) renew(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateValid {
		m.state = StateRenewing
	}
	m.mu.Unlock()

	session, err := m.issuer.IssueToken(ctx)
	if err != nil {
		m.audit(ctx, models.SessionRenewalFailed, err.Error())
		return err
	}

	m.mu.Lock()
	m.session = session
	m.state = StateValid
	m.renewals++
	m.mu.Unlock()

	m.log.WithComponent("session_manager").WithFields(logger.Fields{
		"expires_at": session.ExpiresAt,
		"lifetime":   session.Lifetime().String(),
		"operation":  "renew",
	}).Info("session renewed")
	m.audit(ctx, models.SessionRenewed, "")
	return nil
}

// audit journals a lifecycle transition. Audit failures are logged and
// never interfere with the session itself.
func (m *Manager) audit(ctx context.Context, kind string, detail string) {
	if m.auditor == nil {
		return
	}

	m.mu.RLock()
	expires := m.session.ExpiresAt
	m.mu.RUnlock()

	ev := models.SessionEvent{
		Kind:      kind,
		ExpiresAt: expires,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if err := m.auditor.RecordSessionEvent(ctx, ev); err != nil {
		m.log.WithComponent("session_manager").WithError(err).Warn("failed to journal session event")
	}
}
