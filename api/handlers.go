/*
handlers.go - HTTP API handlers for the storefront

PURPOSE:
  Exposes shop.Service to a presentation layer (chat bot, web front end).
  Handles HTTP request/response, JSON serialization, and delegates to the
  core. No business rule lives here.

ENDPOINTS:
  Users:
    POST   /api/users/{userID}                    Register or refresh identity
    GET    /api/users/{userID}/balance            Current balance
    GET    /api/users/{userID}/sales              Purchase history
    POST   /api/users/{userID}/purchases          Buy one item
    POST   /api/users/{userID}/topups             Create a payment intent

  Catalog:
    GET    /api/shards                            Configured shards
    GET    /api/shards/{shard}/items              Available items, paged
    GET    /api/shards/{shard}/items/{itemID}     Item details

  Top-ups:
    GET    /api/topups/{code}                     Intent status
    POST   /api/topups/{code}/check               Reconcile now

  Admin (X-Actor-Identity header required):
    POST   /api/admin/shards/{shard}/items                      Add item
    DELETE /api/admin/shards/{shard}/items/{itemID}             Delete item
    PUT    /api/admin/shards/{shard}/items/{itemID}/description Edit text
    POST   /api/admin/balance/grant                             Credit by identity
    POST   /api/admin/balance/revoke                            Debit by identity
    GET    /api/admin/stats                                     User counts
    GET    /api/admin/audit                                     Audit log
    POST   /api/admin/topups/recheck                            Re-check pending

ERROR HANDLING:
  The error taxonomy maps onto HTTP status:
  - 400: InvalidInput
  - 401: Missing actor on admin routes
  - 402: InsufficientFunds
  - 403: Forbidden
  - 404: NotFound
  - 409: Conflict, AmountMismatch
  - 503: CapabilityUnavailable (settlement lookup)
  - 500: Storage and anything unclassified, without details

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/storefront/logger"
	"github.com/warp/storefront/shop"
)

// ActorHeader carries the external identity of the admin making a request.
// The presentation layer is trusted to set it from its own authentication.
const ActorHeader = "X-Actor-Identity"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *shop.Service
	Metrics *Metrics

	// RecheckWorkers and RecheckLimit bound a manual pending re-check when
	// the request does not specify them.
	RecheckWorkers int
	RecheckLimit   int
}

// NewHandler creates a new handler.
func NewHandler(svc *shop.Service, metrics *Metrics) *Handler {
	return &Handler{
		Service:        svc,
		Metrics:        metrics,
		RecheckWorkers: 4,
		RecheckLimit:   100,
	}
}

// =============================================================================
// USER ENDPOINTS
// =============================================================================

// EnsureUser registers the user on first contact and refreshes the identity.
func (h *Handler) EnsureUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req EnsureUserRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON", err)
			return
		}
	}

	acct, err := h.Service.EnsureUser(r.Context(), userID, req.Identity)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	balance, err := h.Service.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: int64(userID), Balance: balance})
}

func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	sales, err := h.Service.Sales(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]SaleDTO, 0, len(sales))
	for _, s := range sales {
		out = append(out, SaleDTO{
			ID:        int64(s.ID),
			Shard:     string(s.Shard),
			ItemID:    int64(s.ItemID),
			Price:     s.Price,
			CreatedAt: s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Purchase buys one item. Expected outcomes come back with the result body:
// 200 ok, 409 not_available, 402 insufficient.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	res, err := h.Service.Purchase(r.Context(), userID, shop.ShardID(req.Shard), shop.ItemID(req.ItemID))
	h.Metrics.observePurchase(res.Status)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	switch res.Status {
	case shop.PurchaseNotAvailable:
		status = http.StatusConflict
	case shop.PurchaseInsufficient:
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, toPurchaseDTO(res))
}

func (h *Handler) CreateTopUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	topUp, err := h.Service.TopUp(r.Context(), userID, req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TopUpDTO{
		Intent: h.toIntentDTO(topUp.Intent),
		PayURL: topUp.PayURL,
	})
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

func (h *Handler) ListShards(w http.ResponseWriter, r *http.Request) {
	shards := h.Service.Catalog.Shards()
	out := ShardListDTO{Shards: make([]string, 0, len(shards))}
	for _, s := range shards {
		out.Shards = append(out.Shards, string(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	shard := shop.ShardID(chi.URLParam(r, "shard"))
	category := r.URL.Query().Get("category")
	limit, err := intQuery(r, "limit", shop.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	items, err := h.Service.Catalog.List(r.Context(), shard, category, limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	total, err := h.Service.Catalog.Count(r.Context(), shard, category)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	page := ItemPageDTO{
		Shard:  string(shard),
		Items:  make([]ItemSummaryDTO, 0, len(items)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, it := range items {
		page.Items = append(page.Items, ItemSummaryDTO{ID: int64(it.ID), Title: it.Title, Price: it.Price})
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemParam(w, r)
	if !ok {
		return
	}
	item, err := h.Service.Catalog.Get(r.Context(), shop.ShardID(chi.URLParam(r, "shard")), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// =============================================================================
// TOP-UP ENDPOINTS
// =============================================================================

func (h *Handler) GetTopUp(w http.ResponseWriter, r *http.Request) {
	intent, err := h.Service.Intents.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toIntentDTO(intent))
}

// CheckTopUp reconciles one intent now. Every outcome except not_found,
// unavailable and error is a 200 with the outcome in the body.
func (h *Handler) CheckTopUp(w http.ResponseWriter, r *http.Request) {
	res := h.Service.CheckTopUp(r.Context(), chi.URLParam(r, "code"))
	h.Metrics.observeCheck(res.Outcome, 1)

	status := http.StatusOK
	switch res.Outcome {
	case shop.OutcomeNotFound:
		status = http.StatusNotFound
	case shop.OutcomeUnavailable:
		status = http.StatusServiceUnavailable
	case shop.OutcomeError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, toCheckDTO(res))
}

func (h *Handler) toIntentDTO(p shop.PaymentIntent) IntentDTO {
	return IntentDTO{
		Code:         p.Code,
		UserID:       int64(p.UserID),
		Method:       p.Method,
		Amount:       p.Amount,
		Status:       string(p.Status),
		Expired:      !p.Terminal() && h.Service.Intents.IsExpired(p),
		ExpiresAt:    h.Service.Intents.ExpiresAt(p),
		SettlementID: p.SettlementID,
		CreatedAt:    p.CreatedAt,
	}
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req NewItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	shard := shop.ShardID(chi.URLParam(r, "shard"))

	id, err := h.Service.Admin.AddItem(r.Context(), actor(r), shard, shop.NewItem{
		Category:    req.Category,
		Title:       req.Title,
		Credentials: req.Credentials,
		MediaRef:    req.MediaRef,
		Description: req.Description,
		Price:       req.Price,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	item, err := h.Service.Catalog.Get(r.Context(), shard, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemParam(w, r)
	if !ok {
		return
	}
	deleted, err := h.Service.Admin.DeleteItem(r.Context(), actor(r), shop.ShardID(chi.URLParam(r, "shard")), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Item not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EditDescription(w http.ResponseWriter, r *http.Request) {
	id, ok := itemParam(w, r)
	if !ok {
		return
	}
	var req DescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	shard := shop.ShardID(chi.URLParam(r, "shard"))

	updated, err := h.Service.Admin.EditDescription(r.Context(), actor(r), shard, id, req.Description)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "Item not found", nil)
		return
	}
	item, err := h.Service.Catalog.Get(r.Context(), shard, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

func (h *Handler) GrantBalance(w http.ResponseWriter, r *http.Request) {
	var req BalanceAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	acct, err := h.Service.Admin.Grant(r.Context(), actor(r), req.Identity, req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceAdjustmentDTO{Account: toAccountDTO(acct), Applied: req.Amount})
}

// RevokeBalance debits by identity. The balance stops at zero; Applied tells
// how much was actually removed.
func (h *Handler) RevokeBalance(w http.ResponseWriter, r *http.Request) {
	var req BalanceAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	acct, applied, err := h.Service.Admin.Revoke(r.Context(), actor(r), req.Identity, req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceAdjustmentDTO{Account: toAccountDTO(acct), Applied: applied})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.Admin.Stats(r.Context(), actor(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsDTO{Total: stats.Total, LastWeek: stats.LastWeek, ThisMonth: stats.ThisMonth})
}

// Audit lists entries newest first. Filters: actor, action (repeatable),
// since (RFC 3339), limit.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := shop.AuditFilter{Actor: q.Get("actor")}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, shop.AuditAction(a))
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since", err)
			return
		}
		filter.Since = since
	}
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter.Limit = limit

	entries, err := h.Service.Admin.Audit(r.Context(), actor(r), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryDTO{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Actor:     e.Actor,
			Action:    string(e.Action),
			Target:    e.Target,
			Payload:   e.Payload,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RecheckPending(w http.ResponseWriter, r *http.Request) {
	req := RecheckRequest{Workers: h.RecheckWorkers, Limit: h.RecheckLimit}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON", err)
			return
		}
	}

	report, err := h.Service.Admin.RecheckPending(r.Context(), actor(r), req.Workers, req.Limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toReportDTO(report))
}

func (h *Handler) toReportDTO(report shop.PendingReport) PendingReportDTO {
	out := PendingReportDTO{Checked: report.Checked, Outcomes: make(map[string]int, len(report.Outcomes))}
	for outcome, n := range report.Outcomes {
		out.Outcomes[string(outcome)] = n
		h.Metrics.observeCheck(outcome, n)
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

// requireActor rejects admin requests that do not name an actor.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor(r) == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+ActorHeader+" header", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func userParam(w http.ResponseWriter, r *http.Request) (shop.UserID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return 0, false
	}
	return shop.UserID(id), true
}

func itemParam(w http.ResponseWriter, r *http.Request) (shop.ItemID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid item id", err)
		return 0, false
	}
	return shop.ItemID(id), true
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy onto a status. Unclassified and
// storage errors are logged and answered without details.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shop.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case errors.Is(err, shop.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, shop.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case errors.Is(err, shop.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "Insufficient funds", err)
	case errors.Is(err, shop.ErrConflict), errors.Is(err, shop.ErrAmountMismatch):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, shop.ErrCapabilityUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Settlement lookup unavailable", err)
	default:
		logger.ErrorCtx(r.Context(), err, zap.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}
