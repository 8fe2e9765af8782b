package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finpocket/cardvault/internal/models"
)

// Latencies configures per-operation simulated delays. Zero values mean
// no delay, which is what tests use.
type Latencies struct {
	GetCardDetails time.Duration
	ToggleFreeze   time.Duration
	UpdateSettings time.Duration
	TopUp          time.Duration
	ProvisionCard  time.Duration
	UpdateProfile  time.Duration
}

// DefaultLatencies mirrors the latency contract of the real service.
func DefaultLatencies() Latencies {
	return Latencies{
		GetCardDetails: time.Second,
		ToggleFreeze:   500 * time.Millisecond,
		UpdateSettings: 500 * time.Millisecond,
		TopUp:          2 * time.Second,
		ProvisionCard:  time.Second,
		UpdateProfile:  500 * time.Millisecond,
	}
}

// Simulated is an in-memory backend seeded at construction.
type Simulated struct {
	mu       sync.Mutex
	lat      Latencies
	log      *logrus.Logger
	cards    map[string]*models.Card
	secrets  map[string]models.SecretPayload
	users    map[string]*models.User
	owners   map[string]string // cardID -> userID
	failNext map[string]error
	calls    map[string]int
}

// NewSimulated builds an empty simulated backend. Seed users and cards
// with AddUser/AddCard before serving.
func NewSimulated(lat Latencies, log *logrus.Logger) *Simulated {
	return &Simulated{
		lat:      lat,
		log:      log,
		cards:    make(map[string]*models.Card),
		secrets:  make(map[string]models.SecretPayload),
		users:    make(map[string]*models.User),
		owners:   make(map[string]string),
		failNext: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// AddUser registers a user record.
func (s *Simulated) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
}

// AddCard registers a card and its secret payload under a user.
func (s *Simulated) AddCard(userID string, c models.Card, secret models.SecretPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c.Clone()
	s.cards[c.ID] = &cp
	s.secrets[c.ID] = secret
	s.owners[c.ID] = userID
}

// FailNext makes the next call to the named operation return err.
func (s *Simulated) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

// Calls returns how many times the named operation ran.
func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// begin applies latency, records the call, and pops any injected fault.
func (s *Simulated) begin(ctx context.Context, op string, d time.Duration) error {
	s.mu.Lock()
	s.calls[op]++
	err, injected := s.failNext[op]
	if injected {
		delete(s.failNext, op)
	}
	s.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if injected {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Simulated) ListCards(ctx context.Context, userID string) ([]models.Card, error) {
	if err := s.begin(ctx, "ListCards", 0); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Card
	for id, c := range s.cards {
		if s.owners[id] == userID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *Simulated) GetCardDetails(ctx context.Context, cardID string) (models.SecretPayload, error) {
	if err := s.begin(ctx, "GetCardDetails", s.lat.GetCardDetails); err != nil {
		return models.SecretPayload{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.secrets[cardID]
	if !ok {
		return models.SecretPayload{}, ErrCardNotFound
	}
	return secret, nil
}

func (s *Simulated) ToggleFreeze(ctx context.Context, cardID string, current bool) (bool, error) {
	if err := s.begin(ctx, "ToggleFreeze", s.lat.ToggleFreeze); err != nil {
		return current, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return current, ErrCardNotFound
	}
	c.Frozen = !current
	return c.Frozen, nil
}

func (s *Simulated) UpdateSettings(ctx context.Context, cardID string, patch models.SettingsPatch) error {
	if err := s.begin(ctx, "UpdateSettings", s.lat.UpdateSettings); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return ErrCardNotFound
	}
	c.Settings = patch.Apply(c.Settings)
	return nil
}

func (s *Simulated) TopUp(ctx context.Context, cardID string, amount decimal.Decimal) (models.Transaction, error) {
	if err := s.begin(ctx, "TopUp", s.lat.TopUp); err != nil {
		return models.Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return models.Transaction{}, ErrCardNotFound
	}
	tx := models.Transaction{
		ID:       uuid.NewString(),
		Merchant: "Top Up",
		Amount:   amount,
		Currency: c.Currency,
		Category: "transfer",
		Date:     time.Now(),
		Type:     models.TxTopUp,
		Status:   models.TxCompleted,
		Icon:     "plus",
	}
	c.Balance = c.Balance.Add(amount)
	c.Transactions = append([]models.Transaction{tx}, c.Transactions...)
	return tx, nil
}

func (s *Simulated) ProvisionCard(ctx context.Context, userID string, template models.Card) (models.Card, error) {
	if err := s.begin(ctx, "ProvisionCard", s.lat.ProvisionCard); err != nil {
		return models.Card{}, err
	}
	card, secret, err := issueCard(template)
	if err != nil {
		return models.Card{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := card.Clone()
	s.cards[card.ID] = &cp
	s.secrets[card.ID] = secret
	s.owners[card.ID] = userID
	return card, nil
}

func (s *Simulated) UpdateProfile(ctx context.Context, userID string, patch models.UserPatch) (models.User, error) {
	if err := s.begin(ctx, "UpdateProfile", s.lat.UpdateProfile); err != nil {
		return models.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	*u = patch.Apply(*u)
	return *u, nil
}

func (s *Simulated) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	if err := s.begin(ctx, "FindUserByEmail", 0); err != nil {
		return models.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return models.User{}, ErrUserNotFound
}
