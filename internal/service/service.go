package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/finpocket/cardvault/internal/auth"
	"github.com/finpocket/cardvault/internal/backend"
	"github.com/finpocket/cardvault/internal/config"
	"github.com/finpocket/cardvault/internal/ledger"
	"github.com/finpocket/cardvault/internal/models"
	"github.com/finpocket/cardvault/internal/reveal"
	"github.com/finpocket/cardvault/internal/vault"
)

var (
	// ErrInvalidCredentials hides whether the email or password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoSession is returned for users that have not logged in.
	ErrNoSession = errors.New("no active session")
	// ErrAuthPending signals that a challenge was started and the caller
	// must complete it before the reveal proceeds.
	ErrAuthPending = errors.New("authentication pending")
)

// Mailer sends user notifications. Satisfied by email.Sender; tests
// plug in a recorder.
type Mailer interface {
	SendLockoutAlert(to, username string, failures int, until time.Time) error
	SendTopUpNotification(to, username, cardLast4 string, amount, balance decimal.Decimal, currency string) error
}

// UserSession bundles the per-user components: one gate, one vault,
// one ledger, one reveal manager.
type UserSession struct {
	User   models.User
	Gate   *auth.Gate
	Vault  *vault.Vault
	Ledger *ledger.Ledger
	Reveal *reveal.Manager

	mu            sync.Mutex
	pendingReveal map[string]struct{}
	seedOffsets   map[string]decimal.Decimal
}

// userSnapshot copies the cached user under the session lock. UpdateProfile
// rewrites the struct, so readers on other goroutines go through here.
func (sess *UserSession) userSnapshot() models.User {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.User
}

// Service handles business logic
type Service struct {
	backend backend.Backend
	cfg     *config.Config
	log     *logrus.Logger
	mailer  Mailer

	mu       sync.Mutex
	sessions map[string]*UserSession
}

// NewService initializes a new service
func NewService(b backend.Backend, cfg *config.Config, mailer Mailer, log *logrus.Logger) *Service {
	return &Service{
		backend:  b,
		cfg:      cfg,
		log:      log,
		mailer:   mailer,
		sessions: make(map[string]*UserSession),
	}
}

// Login authenticates a user, builds the per-user session and returns
// a JWT token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.backend.FindUserByEmail(ctx, email)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	if _, err := s.ensureSession(ctx, user); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user.ID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	})
	tokenString, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	s.log.Infof("User logged in: %s", user.Email)
	return tokenString, nil
}

// ensureSession builds (or returns) the per-user component set.
func (s *Service) ensureSession(ctx context.Context, user models.User) (*UserSession, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[user.ID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	led := ledger.New()
	v := vault.New(s.backend, led, decimal.NewFromInt(10000), s.log)
	if err := v.Load(ctx, user.ID); err != nil {
		return nil, err
	}

	gateCfg := auth.Config{
		ScanDuration: s.cfg.ScanDuration,
		ErrorFlash:   s.cfg.ErrorFlash,
		MaxFails:     s.cfg.MaxPINFails,
		LockoutBase:  s.cfg.LockoutBase,
	}
	sess := &UserSession{
		User:          user,
		Gate:          auth.NewGate(gateCfg, auth.NewBcryptVerifier(user.PINHash), s.log),
		Vault:         v,
		Ledger:        led,
		Reveal:        reveal.NewManager(s.backend, s.cfg.RevealTTL, s.log),
		pendingReveal: make(map[string]struct{}),
	}
	sess.seedOffsets = v.SeedOffsets()

	sess.Gate.OnUnlock(func() { s.onUnlock(sess) })
	sess.Gate.OnLockout(func(fails int, until time.Time) {
		u := sess.userSnapshot()
		s.log.Warnf("user %s locked out until %s", u.ID, until.Format(time.RFC3339))
		if s.mailer != nil {
			if err := s.mailer.SendLockoutAlert(u.Email, u.Username, fails, until); err != nil {
				s.log.Errorf("failed to send lockout alert: %v", err)
			}
		}
	})
	sess.Reveal.OnExpire(func(cardID string) {
		s.log.Debugf("reveal expired for user %s card %s", user.ID, cardID)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[user.ID]; ok {
		return existing, nil
	}
	s.sessions[user.ID] = sess
	return sess, nil
}

// Session returns the logged-in user's component set.
func (s *Service) Session(userID string) (*UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// onUnlock resolves every reveal that was waiting on the gate.
func (s *Service) onUnlock(sess *UserSession) {
	sess.mu.Lock()
	pending := make([]string, 0, len(sess.pendingReveal))
	for cardID := range sess.pendingReveal {
		pending = append(pending, cardID)
	}
	sess.pendingReveal = make(map[string]struct{})
	sess.mu.Unlock()
	for _, cardID := range pending {
		if _, err := sess.Reveal.Request(context.Background(), cardID); err != nil {
			s.log.Errorf("pending reveal for card %s failed: %v", cardID, err)
		}
	}
}

// RequestReveal exposes the card's secret fields. An active session is
// returned as-is; an unlocked gate fetches immediately; otherwise a
// challenge is started and ErrAuthPending tells the caller to finish it.
func (s *Service) RequestReveal(ctx context.Context, userID, cardID string) (reveal.Session, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return reveal.Session{}, err
	}
	if _, err := sess.Vault.Card(cardID); err != nil {
		return reveal.Session{}, err
	}
	if active, ok := sess.Reveal.Active(cardID); ok {
		return active, nil
	}
	if sess.Gate.Unlocked() {
		return sess.Reveal.Request(ctx, cardID)
	}

	sess.mu.Lock()
	sess.pendingReveal[cardID] = struct{}{}
	sess.mu.Unlock()
	if err := sess.Gate.Challenge(); err != nil && !errors.Is(err, auth.ErrChallengeActive) {
		sess.mu.Lock()
		delete(sess.pendingReveal, cardID)
		sess.mu.Unlock()
		return reveal.Session{}, err
	}
	return reveal.Session{}, ErrAuthPending
}

// RevealStatus returns the live session for the card, if any.
func (s *Service) RevealStatus(userID, cardID string) (reveal.Session, bool, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return reveal.Session{}, false, err
	}
	active, ok := sess.Reveal.Active(cardID)
	return active, ok, nil
}

// HideReveal discards the card's reveal session. Idempotent.
func (s *Service) HideReveal(userID, cardID string) error {
	sess, err := s.Session(userID)
	if err != nil {
		return err
	}
	sess.Reveal.Hide(cardID)
	return nil
}

// ToggleFreeze flips a card's frozen state after backend confirmation.
func (s *Service) ToggleFreeze(ctx context.Context, userID, cardID string) (bool, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return false, err
	}
	return sess.Vault.ToggleFreeze(ctx, cardID)
}

// UpdateSettings applies a confirmed partial settings update.
func (s *Service) UpdateSettings(ctx context.Context, userID, cardID string, patch models.SettingsPatch) (models.CardSettings, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return models.CardSettings{}, err
	}
	return sess.Vault.UpdateSettings(ctx, cardID, patch)
}

// TopUp credits a card and, if the user opted in, sends a receipt.
func (s *Service) TopUp(ctx context.Context, userID, cardID string, amount decimal.Decimal) (models.Transaction, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return models.Transaction{}, err
	}
	tx, err := sess.Vault.TopUp(ctx, cardID, amount)
	if err != nil {
		return models.Transaction{}, err
	}
	user := sess.userSnapshot()
	if s.mailer != nil && user.Settings.Notifications {
		card, cerr := sess.Vault.Card(cardID)
		if cerr == nil {
			if merr := s.mailer.SendTopUpNotification(user.Email, user.Username,
				card.Last4, amount, card.Balance, card.Currency); merr != nil {
				s.log.Errorf("failed to send top-up notification: %v", merr)
			}
		}
	}
	return tx, nil
}

// IssueCard provisions a new card for the user.
func (s *Service) IssueCard(ctx context.Context, userID string, template models.Card) (models.Card, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return models.Card{}, err
	}
	return sess.Vault.Provision(ctx, template)
}

// Cards returns snapshots of the user's cards.
func (s *Service) Cards(userID string) ([]models.Card, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return nil, err
	}
	return sess.Vault.Cards(), nil
}

// Card returns one card snapshot.
func (s *Service) Card(userID, cardID string) (models.Card, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return models.Card{}, err
	}
	return sess.Vault.Card(cardID)
}

// Transactions returns the filtered history projection for a card.
func (s *Service) Transactions(userID, cardID, txType, query string) ([]models.Transaction, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Vault.Card(cardID); err != nil {
		return nil, err
	}
	return sess.Ledger.Filter(cardID, txType, query), nil
}

// ExpandTransaction marks one row detail-visible, collapsing the rest.
func (s *Service) ExpandTransaction(userID, cardID, txID string) error {
	sess, err := s.Session(userID)
	if err != nil {
		return err
	}
	return sess.Ledger.Expand(cardID, txID)
}

// UpdateProfile patches profile settings through the backend and
// refreshes the cached user on confirmation.
func (s *Service) UpdateProfile(ctx context.Context, userID string, patch models.UserPatch) (models.User, error) {
	sess, err := s.Session(userID)
	if err != nil {
		return models.User{}, err
	}
	updated, err := s.backend.UpdateProfile(ctx, userID, patch)
	if err != nil {
		return models.User{}, fmt.Errorf("profile update rejected: %w", err)
	}
	sess.mu.Lock()
	sess.User = updated
	sess.mu.Unlock()
	return updated, nil
}

// ReconcileAll audits every loaded vault against its ledger; meant to
// run from the scheduler.
func (s *Service) ReconcileAll() {
	s.mu.Lock()
	sessions := make([]*UserSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if drifted := sess.Vault.Reconcile(sess.seedOffsets); len(drifted) > 0 {
			s.log.Warnf("user %s has %d cards drifting from ledger", sess.userSnapshot().ID, len(drifted))
		}
	}
}
