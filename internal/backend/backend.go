package backend

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/finpocket/cardvault/internal/models"
)

// Backend is the remote collaborator the vault and reveal session talk
// to. Every call is latency-bound and may fail; callers must not mutate
// local state until a call has confirmed.
type Backend interface {
	ListCards(ctx context.Context, userID string) ([]models.Card, error)
	GetCardDetails(ctx context.Context, cardID string) (models.SecretPayload, error)
	ToggleFreeze(ctx context.Context, cardID string, current bool) (bool, error)
	UpdateSettings(ctx context.Context, cardID string, patch models.SettingsPatch) error
	TopUp(ctx context.Context, cardID string, amount decimal.Decimal) (models.Transaction, error)
	// ProvisionCard issues a new card for the user from a template
	// carrying holder, network, type, color, currency and settings. The
	// backend generates the number, expiry and CVV; the returned card
	// has the assigned ID, Last4 and Expiry and a zero balance.
	ProvisionCard(ctx context.Context, userID string, template models.Card) (models.Card, error)
	UpdateProfile(ctx context.Context, userID string, patch models.UserPatch) (models.User, error)
	FindUserByEmail(ctx context.Context, email string) (models.User, error)
}

var (
	// ErrUnavailable wraps any transport or storage failure.
	ErrUnavailable = errors.New("backend unavailable")

	ErrCardNotFound = errors.New("card not found")
	ErrUserNotFound = errors.New("user not found")
)
