package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/finpocket/cardvault/internal/auth"
	"github.com/finpocket/cardvault/internal/backend"
	"github.com/finpocket/cardvault/internal/integrations/rates"
	"github.com/finpocket/cardvault/internal/ledger"
	"github.com/finpocket/cardvault/internal/middleware"
	"github.com/finpocket/cardvault/internal/models"
	"github.com/finpocket/cardvault/internal/reveal"
	"github.com/finpocket/cardvault/internal/service"
	"github.com/finpocket/cardvault/internal/vault"
)

type Handler struct {
	svc   *service.Service
	rates *rates.Client
}

func NewHandler(svc *service.Service, rates *rates.Client) *Handler {
	return &Handler{svc: svc, rates: rates}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrNoSession):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrLockedOut):
		status = http.StatusLocked
	case errors.Is(err, auth.ErrNoChallenge), errors.Is(err, auth.ErrChallengeActive),
		errors.Is(err, reveal.ErrHidden):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrUnknownCard), errors.Is(err, backend.ErrCardNotFound),
		errors.Is(err, backend.ErrUserNotFound), errors.Is(err, ledger.ErrUnknownTransaction):
		status = http.StatusNotFound
	case errors.Is(err, vault.ErrInvalidAmount), errors.Is(err, vault.ErrEmptyPatch),
		errors.Is(err, vault.ErrInvalidPatch):
		status = http.StatusBadRequest
	case errors.Is(err, backend.ErrUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Login handles user authentication
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	token, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*service.UserSession, bool) {
	sess, err := h.svc.Session(middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

// Challenge starts the biometric-first auth challenge
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Gate.Challenge(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Gate.Snapshot())
}

// Fallback switches the running scan to PIN entry
func (h *Handler) Fallback(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Gate.UseFallback(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Gate.Snapshot())
}

// Digit handles one keypad press
func (h *Handler) Digit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Key) == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := sess.Gate.Digit(rune(req.Key[0])); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Gate.Snapshot())
}

// DeleteDigit removes the last accumulated digit
func (h *Handler) DeleteDigit(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Gate.Delete(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Gate.Snapshot())
}

// CancelChallenge aborts the challenge without unlocking
func (h *Handler) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Gate.Cancel()
	writeJSON(w, http.StatusOK, sess.Gate.Snapshot())
}

// GateState reports the current challenge state
func (h *Handler) GateState(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Gate.Snapshot())
}

// Cards lists the user's card snapshots
func (h *Handler) Cards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.svc.Cards(middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

// IssueCard provisions a new card from the submitted template
func (h *Handler) IssueCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Holder   string              `json:"holder"`
		Network  string              `json:"network"`
		Type     string              `json:"type"`
		Color    string              `json:"color"`
		Currency string              `json:"currency"`
		Settings models.CardSettings `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	card, err := h.svc.IssueCard(r.Context(), middleware.UserID(r.Context()), models.Card{
		Holder:   req.Holder,
		Network:  req.Network,
		Type:     req.Type,
		Color:    req.Color,
		Currency: req.Currency,
		Settings: req.Settings,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// Card returns a single card snapshot
func (h *Handler) Card(w http.ResponseWriter, r *http.Request) {
	card, err := h.svc.Card(middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// Reveal requests time-boxed access to the card's PAN and CVV
func (h *Handler) Reveal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	sess, err := h.svc.RequestReveal(r.Context(), userID, mux.Vars(r)["id"])
	if errors.Is(err, service.ErrAuthPending) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "authentication pending"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// RevealStatus polls for a reveal resolved after the gate unlocked
func (h *Handler) RevealStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	sess, active, err := h.svc.RevealStatus(userID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !active {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Hide discards the card's reveal session
func (h *Handler) Hide(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.HideReveal(middleware.UserID(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Freeze toggles the card's frozen state
func (h *Handler) Freeze(w http.ResponseWriter, r *http.Request) {
	frozen, err := h.svc.ToggleFreeze(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"frozen": frozen})
}

// Settings applies a partial card settings update
func (h *Handler) Settings(w http.ResponseWriter, r *http.Request) {
	var patch models.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	merged, err := h.svc.UpdateSettings(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"], patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

// TopUp credits the card
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tx, err := h.svc.TopUp(r.Context(), middleware.UserID(r.Context()), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// Transactions returns the filtered history projection
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txs, err := h.svc.Transactions(middleware.UserID(r.Context()), mux.Vars(r)["id"],
		q.Get("type"), q.Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// Expand marks one transaction row detail-visible
func (h *Handler) Expand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.ExpandTransaction(middleware.UserID(r.Context()), vars["id"], vars["txID"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Profile applies a partial user settings update
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	var patch models.UserPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user, err := h.svc.UpdateProfile(r.Context(), middleware.UserID(r.Context()), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Rates returns the cached FX rate table
func (h *Handler) Rates(w http.ResponseWriter, r *http.Request) {
	table, fetched := h.rates.All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rates":      table,
		"fetched_at": fetched,
	})
}
