package oauth2

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/session"
)

const (
	// RefreshThreshold is the remaining lifetime below which a token is refreshed on use
	RefreshThreshold = 300 * time.Second
	// RestoreRefreshFraction is the remaining share of lifetime below which a
	// restored token is refreshed at startup
	RestoreRefreshFraction = 0.5
	// refreshTimeout bounds a refresh that no caller is waiting on any more
	refreshTimeout = 30 * time.Second
)

// Manager is the token lifecycle manager. Store access is serialised and
// concurrent refreshes collapse into one call to the refresher.
type Manager struct {
	mu sync.Mutex
	// generation changes on every save or clear; a refresh that started
	// under an older generation is discarded
	generation uint64
	store      TokenStore
	refresher TokenRefresher
	session   *session.Session
	group     singleflight.Group
	logger    logging.Logger
	now       func() time.Time
	cron      *cron.Cron
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the logger
func WithLogger(l logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager over store, refreshing through refresher and
// tracking verification on sess.
func NewManager(store TokenStore, refresher TokenRefresher, sess *session.Session, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		session:   sess,
		logger:    logging.GetGlobalLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithFields(logging.Field{Key: "component", Value: "token_manager"})
	return m
}

// GetValidToken returns a usable access token. It refreshes when forced, when
// the token has expired, or when under RefreshThreshold remains. Errors:
// NOT_CONNECTED when nothing is stored, TOKEN_EXPIRED when an expired token
// cannot be refreshed, REFRESH_FAILED when the authority refuses the refresh
// token. The last two clear the store and reset session verification. A
// transient refresh failure keeps the credentials and returns the
// refresher's error kind.
//
// The shared refresh is not tied to ctx: a caller that gives up gets
// CANCELLED while the refresh finishes for everyone else.
func (m *Manager) GetValidToken(ctx context.Context, forceRefresh bool) (string, error) {
	set, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	if set == nil {
		return "", errors.New(errors.KindNotConnected, "no stored credentials, connect to the tax authority first")
	}

	if !forceRefresh && !m.needsRefresh(set) {
		return set.AccessToken, nil
	}

	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(rctx, set.AccessToken, forceRefresh)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*TokenSet).AccessToken, nil
	case <-ctx.Done():
		return "", errors.Wrap(errors.KindCancelled, "stopped waiting for token refresh", ctx.Err())
	}
}

// RestoreOnStartup refreshes a restored token set at once when less than half
// of its lifetime remains. It reports whether a refresh happened.
func (m *Manager) RestoreOnStartup(ctx context.Context) (bool, error) {
	set, err := m.load(ctx)
	if err != nil || set == nil {
		return false, err
	}

	remaining := set.RemainingFraction(m.now())
	if remaining >= RestoreRefreshFraction {
		m.logger.Debug("Restored token has enough lifetime left",
			logging.Field{Key: "remaining_fraction", Value: remaining},
		)
		return false, nil
	}

	m.logger.Info("Restored token past half its lifetime, refreshing",
		logging.Field{Key: "remaining_fraction", Value: remaining},
	)
	if _, err := m.GetValidToken(ctx, true); err != nil {
		return false, err
	}
	return true, nil
}

// SaveTokens stores a freshly authorized token set
func (m *Manager) SaveTokens(ctx context.Context, set *TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	return m.store.Save(ctx, set)
}

// Clear removes stored credentials and resets verification
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearLocked(ctx)
}

// Current returns the stored token set without refreshing
func (m *Manager) Current(ctx context.Context) (*TokenSet, error) {
	return m.load(ctx)
}

// MarkSessionVerified records that the credential worked against the authority
func (m *Manager) MarkSessionVerified() { m.session.MarkVerified() }

// IsSessionVerified reports the per-run verification flag
func (m *Manager) IsSessionVerified() bool { return m.session.IsVerified() }

// ResetSessionVerification clears the per-run verification flag
func (m *Manager) ResetSessionVerification() { m.session.Reset() }

// StartScheduler runs a proactive check on the given cron spec so the
// RefreshThreshold rule fires even when no caller asks for a token.
func (m *Manager) StartScheduler(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, m.proactiveCheck); err != nil {
		return errors.Wrap(errors.KindConfig, "invalid refresh schedule", err)
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	c.Start()
	m.logger.Info("Proactive token refresh scheduled", logging.Field{Key: "schedule", Value: spec})
	return nil
}

// Stop halts the scheduler and waits for a running check to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (m *Manager) proactiveCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	set, err := m.load(ctx)
	if err != nil || set == nil || !m.needsRefresh(set) {
		return
	}
	if _, err := m.GetValidToken(ctx, false); err != nil {
		m.logger.Warn("Proactive token refresh failed", logging.Err(err))
	}
}

func (m *Manager) load(ctx context.Context) (*TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.store.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to load stored credentials", err)
	}
	return set, nil
}

func (m *Manager) needsRefresh(set *TokenSet) bool {
	now := m.now()
	return set.IsExpired(now) || set.ExpiryInstant().Sub(now) < RefreshThreshold
}

// refresh checks and saves under the store lock but calls the refresher
// without it. seenAccess is the token the caller judged stale; if another
// caller already replaced it with a fresh one, that one is returned instead
// of refreshing again.
func (m *Manager) refresh(ctx context.Context, seenAccess string, force bool) (*TokenSet, error) {
	m.mu.Lock()
	current, err := m.store.Load(ctx)
	if err != nil {
		m.mu.Unlock()
		return nil, errors.Wrap(errors.KindInternal, "failed to load stored credentials", err)
	}
	if current == nil {
		m.mu.Unlock()
		return nil, errors.New(errors.KindNotConnected, "no stored credentials, connect to the tax authority first")
	}

	stale := m.needsRefresh(current)
	if !stale && (!force || current.AccessToken != seenAccess) {
		m.mu.Unlock()
		return current, nil
	}

	if current.RefreshToken == "" {
		defer m.mu.Unlock()
		if current.IsExpired(m.now()) {
			m.logger.Warn("Access token expired and no refresh token is held")
			_ = m.clearLocked(ctx)
			return nil, errors.New(errors.KindTokenExpired, "access token expired, reconnect to the tax authority")
		}
		if force {
			_ = m.clearLocked(ctx)
			return nil, errors.New(errors.KindRefreshFailed, "no refresh token held, reconnect to the tax authority")
		}
		return current, nil
	}
	gen := m.generation
	m.mu.Unlock()

	fresh, err := m.refresher.Refresh(ctx, current)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen {
		// disconnected or re-authorized while the refresh was in flight
		m.logger.Info("Credentials changed during refresh, discarding result")
		latest, lerr := m.store.Load(ctx)
		if lerr != nil {
			return nil, errors.Wrap(errors.KindInternal, "failed to load stored credentials", lerr)
		}
		if latest == nil {
			return nil, errors.New(errors.KindNotConnected, "disconnected while refreshing, connect to the tax authority first")
		}
		return latest, nil
	}

	if err != nil {
		if !irrecoverable(err) {
			m.logger.Warn("Token refresh failed, keeping credentials", logging.Err(err))
			return nil, err
		}
		m.logger.Error("Token refresh refused, clearing credentials", err)
		_ = m.clearLocked(ctx)
		return nil, errors.Wrap(errors.KindRefreshFailed, "token refresh failed, reconnect to the tax authority", err)
	}

	m.generation++
	if err := m.store.Save(ctx, fresh); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to persist refreshed credentials", err)
	}

	m.session.MarkVerified()
	m.logger.Info("Access token refreshed",
		logging.Field{Key: "expires_in", Value: fresh.ExpiresIn},
		logging.Field{Key: "forced", Value: force},
	)
	return fresh, nil
}

// irrecoverable reports whether the authority refused the refresh token
// itself, as opposed to the request not getting through.
func irrecoverable(err error) bool {
	return errors.IsKind(err, errors.KindAuthRejected, errors.KindRefreshFailed)
}

func (m *Manager) clearLocked(ctx context.Context) error {
	m.generation++
	m.session.Reset()
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("Failed to clear stored credentials", err)
		return err
	}
	return nil
}
