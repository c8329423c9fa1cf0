package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/subledger-engine/internal/bracket"
	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/reconcile"
	"github.com/atmx/subledger-engine/internal/wac"
)

// Routes mounts the HTTP command surface on r (normally the /api/v1 group).
func (s *Service) Routes(r chi.Router) {
	r.Get("/state", s.HandleState)

	r.Get("/sub-ledgers", s.HandleListSubLedgers)
	r.Post("/sub-ledgers", s.HandleCreateSubLedger)
	r.Get("/sub-ledgers/{id}", s.HandleGetSubLedger)
	r.Delete("/sub-ledgers/{id}", s.HandleDeleteSubLedger)
	r.Post("/sub-ledgers/{id}/close", s.HandleClose)
	r.Post("/sub-ledgers/{id}/bracket", s.HandleSetBracket)
	r.Delete("/sub-ledgers/{id}/bracket", s.HandleClearBracket)

	r.Post("/orders", s.HandlePlaceOrder)
	r.Post("/orders/{orderID}/cancel", s.HandleCancelOrder)

	r.Get("/fills", s.HandleListFills)

	r.Get("/consistency", s.HandleConsistency)
	r.Post("/consistency/check", s.HandleCheckConsistency)
	r.Post("/reconcile", s.HandleReconcile)
}

// HandleState handles GET /api/v1/state?account=
func (s *Service) HandleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.State(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleListSubLedgers handles GET /api/v1/sub-ledgers?account=&symbol=&side=
func (s *Service) HandleListSubLedgers(w http.ResponseWriter, r *http.Request) {
	sls, err := s.ListSubLedgers(r.Context(), filterFromQuery(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sls))
}

// HandleCreateSubLedger handles POST /api/v1/sub-ledgers
func (s *Service) HandleCreateSubLedger(w http.ResponseWriter, r *http.Request) {
	var req CreateSubLedgerRequest
	if !decode(w, r, &req) {
		return
	}
	sl, err := s.CreateSubLedger(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sl)
}

// HandleGetSubLedger handles GET /api/v1/sub-ledgers/{id}
func (s *Service) HandleGetSubLedger(w http.ResponseWriter, r *http.Request) {
	sl, err := s.GetSubLedger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	mark := s.Mark(sl.Symbol)
	writeJSON(w, http.StatusOK, SubLedgerView{SubLedger: *sl, MarkPrice: mark, UnrealizedPnL: wac.UnrealizedPnL(*sl, mark)})
}

// HandleDeleteSubLedger handles DELETE /api/v1/sub-ledgers/{id}
func (s *Service) HandleDeleteSubLedger(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteSubLedger(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClose handles POST /api/v1/sub-ledgers/{id}/close
func (s *Service) HandleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	o, err := s.ClosePosition(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// HandleSetBracket handles POST /api/v1/sub-ledgers/{id}/bracket
func (s *Service) HandleSetBracket(w http.ResponseWriter, r *http.Request) {
	var req bracket.SetRequest
	if !decode(w, r, &req) {
		return
	}
	sl, err := s.SetBracket(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

// HandleClearBracket handles DELETE /api/v1/sub-ledgers/{id}/bracket
func (s *Service) HandleClearBracket(w http.ResponseWriter, r *http.Request) {
	sl, err := s.ClearBracket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

// HandlePlaceOrder handles POST /api/v1/orders
func (s *Service) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.PlaceOrder(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// HandleCancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.CancelOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// HandleListFills handles GET /api/v1/fills?account=&symbol=&side=&sub_ledger=&unattributed=&limit=
func (s *Service) HandleListFills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.FillFilter{
		Filter:      filterFromQuery(r),
		SubLedgerID: q.Get("sub_ledger"),
		Limit:       RecentFillLimit,
	}
	if v := q.Get("unattributed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "INVALID_REQUEST", "unattributed must be a boolean", http.StatusBadRequest)
			return
		}
		f.UnattributedOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "INVALID_REQUEST", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	fills, err := s.Fills(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(fills))
}

// HandleConsistency handles GET /api/v1/consistency?account=
func (s *Service) HandleConsistency(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.Consistency(filterFromQuery(r))))
}

// HandleCheckConsistency handles POST /api/v1/consistency/check?account=
func (s *Service) HandleCheckConsistency(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.CheckConsistency(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(statuses))
}

// HandleReconcile handles POST /api/v1/reconcile
func (s *Service) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcile.Request
	if !decode(w, r, &req) {
		return
	}
	updated, err := s.Reconcile(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func filterFromQuery(r *http.Request) model.Filter {
	q := r.URL.Query()
	f := model.Filter{
		Symbol: q.Get("symbol"),
		Side:   model.PositionSide(q.Get("side")),
	}
	if acct := q.Get("account"); acct != "" {
		f.AccountID = model.NormalizeAccount(acct)
	}
	return f
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "INVALID_REQUEST", "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case "NOT_FOUND":
		return http.StatusNotFound
	case "INVALID_REQUEST", "INVALID_SIZE":
		return http.StatusBadRequest
	case "DOMAIN_MISMATCH", "SCOPE_MISMATCH", "EMPTY_POSITION":
		return http.StatusUnprocessableEntity
	case "RECONCILE_OVER_ASSIGNED", "SYNC_IN_PROGRESS", "NON_EMPTY", "CONFLICT", "INVALID_TRANSITION":
		return http.StatusConflict
	case "SYNC_ERROR", "VENUE_ERROR":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := model.ErrorCode(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, code, msg, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Debug("response write failed", "err", err)
	}
}
