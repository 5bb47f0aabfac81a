package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Peergos/payments/internal/engine"
	"github.com/Peergos/payments/internal/ledger"
	"github.com/Peergos/payments/internal/units"
	"go.uber.org/zap"
)

func (s *Server) handleSignups(w http.ResponseWriter, r *http.Request) {
	open, err := s.engine.AcceptingSignups(r.Context())
	if err != nil {
		s.serverError(w, "checking signups", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"acceptingSignups": open})
}

func (s *Server) handleUsernames(w http.ResponseWriter, r *http.Request) {
	usernames, err := s.engine.ListUsernames(r.Context())
	if err != nil {
		s.serverError(w, "listing usernames", err)
		return
	}
	if usernames == nil {
		usernames = []string{}
	}
	s.writeJSON(w, http.StatusOK, usernames)
}

func (s *Server) handleAllowed(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}
	allowed, err := s.engine.IsAllowed(r.Context(), username)
	if err != nil {
		s.serverError(w, "checking allowance", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}
	quota, err := s.engine.CurrentQuota(r.Context(), username, time.Now())
	if errors.Is(err, engine.ErrSignupsClosed) {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err != nil {
		s.serverError(w, "reading quota", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"quotaBytes": quota.Int64()})
}

func (s *Server) handlePaymentProperties(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}
	newSecret := r.URL.Query().Get("newSecret") == "true"

	props, err := s.engine.PaymentProperties(r.Context(), username, newSecret, time.Now())
	if errors.Is(err, ledger.ErrUnknownUser) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "reading payment properties", err)
		return
	}

	body := map[string]interface{}{
		"portalUrl":         props.PortalURL,
		"freeQuotaBytes":    props.FreeQuotaBytes.Int64(),
		"desiredQuotaBytes": props.DesiredQuotaBytes.Int64(),
	}
	if props.ClientSecret != "" {
		body["clientSecret"] = props.ClientSecret
	}
	if props.LastError != "" {
		body["lastError"] = props.LastError
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}
	records, err := s.engine.PaymentHistory(r.Context(), username)
	if errors.Is(err, ledger.ErrUnknownUser) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "reading payment history", err)
		return
	}

	payments := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		entry := map[string]interface{}{
			"amountCents":   rec.AmountCents.Int64(),
			"currency":      rec.Currency,
			"time":          rec.Time.UTC().Format(time.RFC3339),
			"forQuotaBytes": rec.ForQuotaBytes.Int64(),
			"succeeded":     rec.Succeeded(),
		}
		if rec.FailureReason != "" {
			entry["failureReason"] = rec.FailureReason
		}
		payments = append(payments, entry)
	}
	s.writeJSON(w, http.StatusOK, payments)
}

type quotaRequest struct {
	Username   string `json:"username"`
	QuotaBytes int64  `json:"quotaBytes"`
}

func (s *Server) handleQuotaRequest(w http.ResponseWriter, r *http.Request) {
	var req quotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}
	quota, err := units.Bytes(req.QuotaBytes)
	if err != nil {
		http.Error(w, "quotaBytes must not be negative", http.StatusBadRequest)
		return
	}

	outcome, err := s.engine.SetDesiredQuota(r.Context(), req.Username, quota, time.Now())
	switch {
	case errors.Is(err, engine.ErrInvalidQuota):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, engine.ErrSignupsClosed):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case err != nil:
		s.serverError(w, "setting desired quota", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome.String()})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		http.Error(w, "settlement trigger unavailable", http.StatusServiceUnavailable)
		return
	}
	s.trigger.RunNow()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
