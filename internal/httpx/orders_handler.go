package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
	"github.com/ariefcatur/go-order-reservations/internal/redisx"
	"github.com/ariefcatur/go-order-reservations/internal/reservation"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderAdminToken     = "X-Admin-Token"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type Reservations interface {
	Checkout(ctx context.Context, userID string) (orders.Order, error)
	ProcessPayment(ctx context.Context, orderID, userID string) (reservation.PaymentResult, error)
	GetOrder(ctx context.Context, orderID, userID string) (orders.Order, error)
	ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, orders.Pagination, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) (orders.Order, error)
}

type Idempotency interface {
	Claim(ctx context.Context, userID, key string) (string, bool, error)
	Complete(ctx context.Context, userID, key, orderID string) error
	Abandon(ctx context.Context, userID, key string) error
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.CachedStatus, bool, error)
	Generation(ctx context.Context, orderID string) (int64, error)
	Set(ctx context.Context, o orders.Order, gen int64) (bool, error)
}

// OrdersHandler serves the user and admin endpoints. Idem and Cache are optional.
type OrdersHandler struct {
	Svc        Reservations
	Idem       Idempotency
	Cache      StatusCache
	AdminToken string
	Log        *zap.Logger
}

type CheckoutResp struct {
	Order      orders.Order `json:"order"`
	Idempotent bool         `json:"idempotent"`
}

type ListOrdersResp struct {
	Orders     []orders.Order    `json:"orders"`
	Pagination orders.Pagination `json:"pagination"`
}

type ProductView struct {
	orders.Product
	Available int `json:"available"`
}

type UpdateStatusReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/checkout", h.checkout)
		r.Post("/orders/{id}/pay", h.pay)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getStatus)
		r.Get("/orders", h.listOrders)
	})
	// Admin endpoints only exist when a token is configured.
	if h.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/orders", h.adminListOrders)
			r.Patch("/orders/{id}/status", h.updateStatus)
		})
	}
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if uid == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + HeaderUserID + " header", Code: "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, uid)))
	})
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(userKey{}).(string)
	return uid
}

func (h *OrdersHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(HeaderAdminToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) != 1 {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Code: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Svc.ListProducts(ctx)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	out := make([]ProductView, 0, len(ps))
	for _, p := range ps {
		out = append(out, ProductView{Product: p, Available: p.Available()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	uid := userID(r)
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))

	if key != "" && h.Idem != nil {
		orderID, owner, err := h.Idem.Claim(ctx, uid, key)
		if err != nil {
			writeError(w, h.log(), err)
			return
		}
		if !owner {
			o, err := h.Svc.GetOrder(ctx, orderID, uid)
			if err != nil {
				writeError(w, h.log(), err)
				return
			}
			writeJSON(w, http.StatusOK, CheckoutResp{Order: o, Idempotent: true})
			return
		}
	}

	o, err := h.Svc.Checkout(ctx, uid)
	if key != "" && h.Idem != nil {
		bg := context.WithoutCancel(ctx)
		if err != nil {
			_ = h.Idem.Abandon(bg, uid, key)
		} else if cerr := h.Idem.Complete(bg, uid, key, o.ID); cerr != nil {
			h.log().Warn("store idempotency key", zap.String("order_id", o.ID), zap.Error(cerr))
		}
	}
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, CheckoutResp{Order: o})
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Svc.ProcessPayment(ctx, chi.URLParam(r, "id"), userID(r))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Svc.GetOrder(ctx, chi.URLParam(r, "id"), userID(r))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	orderID, uid := chi.URLParam(r, "id"), userID(r)

	// 1) coba cache
	if h.Cache != nil {
		if st, ok, err := h.Cache.Get(ctx, orderID); err == nil && ok {
			if st.UserID != uid {
				writeError(w, h.log(), fmt.Errorf("%w: order %s belongs to another user", orders.ErrForbidden, orderID))
				return
			}
			writeJSON(w, http.StatusOK, st)
			return
		}
	}

	// 2) fallback store; generation dibaca sebelum store supaya invalidasi di tengah jalan menang
	var (
		gen       int64
		cacheable bool
	)
	if h.Cache != nil {
		g, err := h.Cache.Generation(ctx, orderID)
		gen, cacheable = g, err == nil
	}
	o, err := h.Svc.GetOrder(ctx, orderID, uid)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	if cacheable {
		if _, err := h.Cache.Set(ctx, o, gen); err != nil {
			h.log().Debug("status cache fill failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, redisx.CachedStatus{OrderID: o.ID, UserID: o.UserID, Status: o.Status, UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	f.UserID = userID(r)
	h.list(w, r, f)
}

func (h *OrdersHandler) adminListOrders(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	f.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	h.list(w, r, f)
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request, f orders.ListFilter) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, page, err := h.Svc.ListOrders(ctx, f)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, ListOrdersResp{Orders: list, Pagination: page})
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: "invalid_input"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Svc.UpdateOrderStatus(ctx, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func parseListFilter(r *http.Request) (orders.ListFilter, error) {
	q := r.URL.Query()
	var f orders.ListFilter
	if v := q.Get("status"); v != "" {
		st, err := orders.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	var err error
	if f.Page, err = queryInt(q.Get("page")); err != nil {
		return f, fmt.Errorf("%w: page: %v", orders.ErrInvalidInput, err)
	}
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		return f, fmt.Errorf("%w: limit: %v", orders.ErrInvalidInput, err)
	}
	return f, nil
}

// queryInt returns 0 for an empty value so the service applies its default.
func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
