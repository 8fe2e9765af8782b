package backend

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finpocket/cardvault/internal/models"
	"github.com/finpocket/cardvault/internal/utils"
)

// Postgres is the production backend. Card secrets are stored AES
// encrypted with an integrity HMAC and decrypted only inside
// GetCardDetails.
type Postgres struct {
	db            *sql.DB
	encryptionKey string
	hmacSecret    string
}

// NewPostgres initializes a Postgres-backed collaborator.
func NewPostgres(db *sql.DB, encryptionKey, hmacSecret string) *Postgres {
	return &Postgres{db: db, encryptionKey: encryptionKey, hmacSecret: hmacSecret}
}

func (p *Postgres) ListCards(ctx context.Context, userID string) ([]models.Card, error) {
	query := `
		SELECT id, holder, last4, expiry, network, card_type, color, currency, balance, frozen,
		       online_payments, international, monthly_limit, round_up
		FROM vault.cards
		WHERE user_id = $1
		ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list cards: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var cards []models.Card
	for rows.Next() {
		var c models.Card
		var balance, limit string
		err := rows.Scan(&c.ID, &c.Holder, &c.Last4, &c.Expiry, &c.Network, &c.Type, &c.Color,
			&c.Currency, &balance, &c.Frozen,
			&c.Settings.OnlinePayments, &c.Settings.International, &limit, &c.Settings.RoundUpToSavings)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan card: %v", ErrUnavailable, err)
		}
		if c.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("invalid balance for card %s: %w", c.ID, err)
		}
		if c.Settings.MonthlyLimit, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("invalid monthly limit for card %s: %w", c.ID, err)
		}
		txs, err := p.listTransactions(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Transactions = txs
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list cards: %v", ErrUnavailable, err)
	}
	return cards, nil
}

func (p *Postgres) listTransactions(ctx context.Context, cardID string) ([]models.Transaction, error) {
	query := `
		SELECT id, merchant, amount, currency, category, date, tx_type, status, icon
		FROM vault.transactions
		WHERE card_id = $1
		ORDER BY date DESC`
	rows, err := p.db.QueryContext(ctx, query, cardID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list transactions: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		var amount string
		err := rows.Scan(&tx.ID, &tx.Merchant, &amount, &tx.Currency, &tx.Category,
			&tx.Date, &tx.Type, &tx.Status, &tx.Icon)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan transaction: %v", ErrUnavailable, err)
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid amount for transaction %s: %w", tx.ID, err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (p *Postgres) GetCardDetails(ctx context.Context, cardID string) (models.SecretPayload, error) {
	var encPAN, encCVV, expiry, tag string
	query := `
		SELECT pan_enc, cvv_enc, expiry, hmac
		FROM vault.cards
		WHERE id = $1`
	err := p.db.QueryRowContext(ctx, query, cardID).Scan(&encPAN, &encCVV, &expiry, &tag)
	if err == sql.ErrNoRows {
		return models.SecretPayload{}, ErrCardNotFound
	}
	if err != nil {
		return models.SecretPayload{}, fmt.Errorf("%w: failed to load card secret: %v", ErrUnavailable, err)
	}

	pan, err := utils.Decrypt(encPAN, p.encryptionKey)
	if err != nil {
		return models.SecretPayload{}, fmt.Errorf("failed to decrypt PAN: %w", err)
	}
	cvv, err := utils.Decrypt(encCVV, p.encryptionKey)
	if err != nil {
		return models.SecretPayload{}, fmt.Errorf("failed to decrypt CVV: %w", err)
	}
	if !utils.VerifyHMAC(pan, expiry, cvv, p.hmacSecret, tag) {
		return models.SecretPayload{}, fmt.Errorf("card %s failed integrity check", cardID)
	}
	return models.SecretPayload{PAN: pan, CVV: cvv}, nil
}

func (p *Postgres) ToggleFreeze(ctx context.Context, cardID string, current bool) (bool, error) {
	var frozen bool
	query := `
		UPDATE vault.cards
		SET frozen = NOT $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING frozen`
	err := p.db.QueryRowContext(ctx, query, cardID, current).Scan(&frozen)
	if err == sql.ErrNoRows {
		return current, ErrCardNotFound
	}
	if err != nil {
		return current, fmt.Errorf("%w: failed to toggle freeze: %v", ErrUnavailable, err)
	}
	return frozen, nil
}

func (p *Postgres) UpdateSettings(ctx context.Context, cardID string, patch models.SettingsPatch) error {
	query := `
		UPDATE vault.cards
		SET online_payments = COALESCE($2, online_payments),
		    international   = COALESCE($3, international),
		    monthly_limit   = COALESCE($4, monthly_limit),
		    round_up        = COALESCE($5, round_up),
		    updated_at      = CURRENT_TIMESTAMP
		WHERE id = $1`
	var limit *string
	if patch.MonthlyLimit != nil {
		s := patch.MonthlyLimit.String()
		limit = &s
	}
	res, err := p.db.ExecContext(ctx, query, cardID,
		patch.OnlinePayments, patch.International, limit, patch.RoundUpToSavings)
	if err != nil {
		return fmt.Errorf("%w: failed to update settings: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to update settings: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrCardNotFound
	}
	return nil
}

func (p *Postgres) TopUp(ctx context.Context, cardID string, amount decimal.Decimal) (models.Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("%w: failed to begin top-up: %v", ErrUnavailable, err)
	}
	defer dbtx.Rollback()

	var currency string
	err = dbtx.QueryRowContext(ctx,
		`UPDATE vault.cards SET balance = balance + $2, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 RETURNING currency`,
		cardID, amount.String()).Scan(&currency)
	if err == sql.ErrNoRows {
		return models.Transaction{}, ErrCardNotFound
	}
	if err != nil {
		return models.Transaction{}, fmt.Errorf("%w: failed to credit balance: %v", ErrUnavailable, err)
	}

	tx := models.Transaction{
		ID:       uuid.NewString(),
		Merchant: "Top Up",
		Amount:   amount,
		Currency: currency,
		Category: "transfer",
		Type:     models.TxTopUp,
		Status:   models.TxCompleted,
		Icon:     "plus",
	}
	err = dbtx.QueryRowContext(ctx,
		`INSERT INTO vault.transactions (id, card_id, merchant, amount, currency, category, date, tx_type, status, icon)
		 VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP, $7, $8, $9)
		 RETURNING date`,
		tx.ID, cardID, tx.Merchant, tx.Amount.String(), tx.Currency, tx.Category,
		tx.Type, tx.Status, tx.Icon).Scan(&tx.Date)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("%w: failed to record top-up: %v", ErrUnavailable, err)
	}

	if err := dbtx.Commit(); err != nil {
		return models.Transaction{}, fmt.Errorf("%w: failed to commit top-up: %v", ErrUnavailable, err)
	}
	return tx, nil
}

func (p *Postgres) ProvisionCard(ctx context.Context, userID string, template models.Card) (models.Card, error) {
	card, secret, err := issueCard(template)
	if err != nil {
		return models.Card{}, err
	}
	encPAN, err := utils.Encrypt(secret.PAN, p.encryptionKey)
	if err != nil {
		return models.Card{}, fmt.Errorf("failed to encrypt PAN: %w", err)
	}
	encCVV, err := utils.Encrypt(secret.CVV, p.encryptionKey)
	if err != nil {
		return models.Card{}, fmt.Errorf("failed to encrypt CVV: %w", err)
	}
	tag := utils.GenerateHMAC(secret.PAN, card.Expiry, secret.CVV, p.hmacSecret)

	query := `
		INSERT INTO vault.cards
			(id, user_id, holder, last4, expiry, network, card_type, color, currency, balance, frozen,
			 online_payments, international, monthly_limit, round_up, pan_enc, cvv_enc, hmac,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false,
		        $11, $12, $13, $14, $15, $16, $17,
		        CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	_, err = p.db.ExecContext(ctx, query,
		card.ID, userID, card.Holder, card.Last4, card.Expiry, card.Network, card.Type,
		card.Color, card.Currency, card.Balance.String(),
		card.Settings.OnlinePayments, card.Settings.International,
		card.Settings.MonthlyLimit.String(), card.Settings.RoundUpToSavings,
		encPAN, encCVV, tag)
	if err != nil {
		return models.Card{}, fmt.Errorf("%w: failed to provision card: %v", ErrUnavailable, err)
	}
	return card, nil
}

func (p *Postgres) UpdateProfile(ctx context.Context, userID string, patch models.UserPatch) (models.User, error) {
	u := models.User{}
	query := `
		UPDATE vault.users
		SET username      = COALESCE($2, username),
		    cloud_backup  = COALESCE($3, cloud_backup),
		    notifications = COALESCE($4, notifications),
		    updated_at    = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING id, email, username, password_hash, pin_hash, cloud_backup, notifications`
	err := p.db.QueryRowContext(ctx, query, userID, patch.Username, patch.CloudBackup, patch.Notifications).
		Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.PINHash,
			&u.Settings.CloudBackup, &u.Settings.Notifications)
	if err == sql.ErrNoRows {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("%w: failed to update profile: %v", ErrUnavailable, err)
	}
	return u, nil
}

func (p *Postgres) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	u := models.User{}
	query := `
		SELECT id, email, username, password_hash, pin_hash, cloud_backup, notifications
		FROM vault.users
		WHERE email = $1`
	err := p.db.QueryRowContext(ctx, query, email).
		Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.PINHash,
			&u.Settings.CloudBackup, &u.Settings.Notifications)
	if err == sql.ErrNoRows {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("%w: failed to find user: %v", ErrUnavailable, err)
	}
	return u, nil
}
