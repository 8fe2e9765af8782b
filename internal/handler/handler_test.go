package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/finpocket/cardvault/internal/backend"
	"github.com/finpocket/cardvault/internal/config"
	"github.com/finpocket/cardvault/internal/integrations/rates"
	"github.com/finpocket/cardvault/internal/middleware"
	"github.com/finpocket/cardvault/internal/models"
	"github.com/finpocket/cardvault/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:    "test-secret",
		ScanDuration: 5 * time.Second,
		ErrorFlash:   20 * time.Millisecond,
		MaxPINFails:  3,
		LockoutBase:  time.Minute,
		RevealTTL:    time.Minute,
		RatesURL:     "http://localhost:0",
	}
}

func newTestRouter(t *testing.T) (*mux.Router, *backend.Simulated) {
	t.Helper()
	sim := backend.NewSimulated(backend.Latencies{}, nil)
	passwordHash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	require.NoError(t, err)
	pinHash, err := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.MinCost)
	require.NoError(t, err)
	sim.AddUser(models.User{
		ID:           "u-1",
		Email:        "user@example.com",
		Username:     "user",
		PasswordHash: string(passwordHash),
		PINHash:      string(pinHash),
	})
	sim.AddCard("u-1", models.Card{
		ID: "card-1", Last4: "4242", Currency: "USD",
		Balance: decimal.RequireFromString("2450.50"),
	}, models.SecretPayload{PAN: "4242424242424242", CVV: "123"})

	cfg := testConfig()
	log := logrus.New()
	log.SetOutput(io.Discard)
	svc := service.NewService(sim, cfg, nil, log)
	h := NewHandler(svc, rates.NewClient(cfg, log))

	r := mux.NewRouter()
	r.HandleFunc("/login", h.Login).Methods("POST")
	authRouter := r.PathPrefix("/").Subrouter()
	authRouter.Use(middleware.AuthMiddleware(cfg))
	authRouter.HandleFunc("/auth/challenge", h.Challenge).Methods("POST")
	authRouter.HandleFunc("/auth/fallback", h.Fallback).Methods("POST")
	authRouter.HandleFunc("/auth/digit", h.Digit).Methods("POST")
	authRouter.HandleFunc("/cards", h.Cards).Methods("GET")
	authRouter.HandleFunc("/cards", h.IssueCard).Methods("POST")
	authRouter.HandleFunc("/cards/{id}/reveal", h.Reveal).Methods("POST")
	authRouter.HandleFunc("/cards/{id}/reveal", h.RevealStatus).Methods("GET")
	authRouter.HandleFunc("/cards/{id}/reveal", h.Hide).Methods("DELETE")
	authRouter.HandleFunc("/cards/{id}/freeze", h.Freeze).Methods("POST")
	authRouter.HandleFunc("/cards/{id}/topup", h.TopUp).Methods("POST")
	authRouter.HandleFunc("/cards/{id}/transactions", h.Transactions).Methods("GET")
	return r, sim
}

func doRequest(router *mux.Router, method, url, token string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, _ := http.NewRequest(method, url, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func loginToken(t *testing.T, router *mux.Router) string {
	t.Helper()
	w := doRequest(router, "POST", "/login", "",
		map[string]string{"email": "user@example.com", "password": "password"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	return resp["token"]
}

func TestLoginEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, "POST", "/login", "",
		map[string]string{"email": "user@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	loginToken(t, router)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, "GET", "/cards", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(router, "GET", "/cards", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCardsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	token := loginToken(t, router)

	w := doRequest(router, "GET", "/cards", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var cards []models.Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cards))
	require.Len(t, cards, 1)
	assert.Equal(t, "4242", cards[0].Last4)
}

func TestIssueCardEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	token := loginToken(t, router)

	w := doRequest(router, "POST", "/cards", token, map[string]interface{}{
		"holder": "New Holder", "network": "visa", "type": "debit", "currency": "USD",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var card models.Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
	assert.NotEmpty(t, card.ID)
	assert.Len(t, card.Last4, 4)

	w = doRequest(router, "GET", "/cards", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cards []models.Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cards))
	assert.Len(t, cards, 2)
}

func TestRevealFlowOverHTTP(t *testing.T) {
	router, sim := newTestRouter(t)
	token := loginToken(t, router)

	// reveal before auth: challenge starts, response is 202
	w := doRequest(router, "POST", "/cards/card-1/reveal", token, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// complete the PIN fallback
	w = doRequest(router, "POST", "/auth/fallback", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, d := range []string{"1", "2", "3", "4"} {
		w = doRequest(router, "POST", "/auth/digit", token, map[string]string{"key": d})
		require.Equal(t, http.StatusOK, w.Code)
	}

	// the pending reveal resolves shortly after unlock
	deadline := time.Now().Add(2 * time.Second)
	var resolved bool
	for time.Now().Before(deadline) {
		w = doRequest(router, "GET", "/cards/card-1/reveal", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		if strings.Contains(w.Body.String(), "4242424242424242") {
			resolved = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, resolved, "reveal did not resolve")
	assert.Equal(t, 1, sim.Calls("GetCardDetails"))

	w = doRequest(router, "DELETE", "/cards/card-1/reveal", token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTopUpEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	token := loginToken(t, router)

	w := doRequest(router, "POST", "/cards/card-1/topup", token,
		map[string]string{"amount": "100"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doRequest(router, "POST", "/cards/card-1/topup", token,
		map[string]string{"amount": "-5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, "GET", "/cards/card-1/transactions?type=topup", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs []models.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(100)))
}

func TestFreezeEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	token := loginToken(t, router)

	w := doRequest(router, "POST", "/cards/card-1/freeze", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"frozen":true`)

	w = doRequest(router, "POST", "/cards/missing/freeze", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
