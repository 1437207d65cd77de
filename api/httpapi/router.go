// Package httpapi serves read-only market and account views over HTTP and
// streams venue events over a websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"perpex/api/dto"
	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/infra/auth"
	"perpex/infra/metrics"
	"perpex/service"
)

// Views is the part of the venue the HTTP surface reads.
type Views interface {
	service.Queries
	Positions(owner string) []service.PositionView
}

type Deps struct {
	Venue       Views
	Issuer      *auth.Issuer
	Hub         *Hub
	Registry    *prometheus.Registry
	AllowOrigin string
	DepthLevels int
	Logger      *slog.Logger
}

type handler struct {
	venue       Views
	depthLevels int
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.DepthLevels <= 0 {
		d.DepthLevels = 20
	}
	h := &handler{venue: d.Venue, depthLevels: d.DepthLevels}
	logger := d.Logger.With("component", "http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors(d.AllowOrigin))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if d.Registry != nil {
		r.Handle("/metrics", metrics.Handler(d.Registry))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", h.listMarkets)
		r.Route("/markets/{market}", func(r chi.Router) {
			r.Get("/", h.getMarket)
			r.Get("/best", h.bestPrices)
			r.Get("/depth", h.depth)
		})
		r.Group(func(r chi.Router) {
			r.Use(withAuth(d.Issuer))
			r.Get("/accounts/{owner}/margin", h.margin)
			r.Get("/accounts/{owner}/orders", h.openOrders)
		})
		if d.Hub != nil {
			r.Get("/stream", newStreamHandler(d.Hub, d.Issuer, d.AllowOrigin, logger).ServeHTTP)
		}
	})
	return r
}

func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed := origin
			if allowed == "" || allowed == "*" {
				allowed = "*"
			} else if allowOrigin(r, origin) {
				allowed = r.Header.Get("Origin")
			}
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type callerKey struct{}

func withAuth(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
				return
			}
			caller, err := issuer.Parse(token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
		})
	}
}

func callerOf(r *http.Request) authz.Caller {
	c, _ := r.Context().Value(callerKey{}).(authz.Caller)
	return c
}

// -------------------- Handlers --------------------

func (h *handler) listMarkets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, dto.FromMarkets(h.venue.Markets()))
}

func (h *handler) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.venue.Market(chi.URLParam(r, "market"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.FromMarket(m))
}

func (h *handler) bestPrices(w http.ResponseWriter, r *http.Request) {
	mkt := chi.URLParam(r, "market")
	b, err := h.venue.BestPrices(mkt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.FromBest(mkt, b))
}

func (h *handler) depth(w http.ResponseWriter, r *http.Request) {
	mkt := chi.URLParam(r, "market")
	levels := h.depthLevels
	if raw := r.URL.Query().Get("levels"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, errs.Invalid("levels: %v", err))
			return
		}
		levels = n
	}
	d, err := h.venue.Depth(mkt, levels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.FromDepth(mkt, d))
}

func (h *handler) margin(w http.ResponseWriter, r *http.Request) {
	owner, ok := readableOwner(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dto.FromMargin(h.venue.MarginSummary(owner), h.venue.Positions(owner)))
}

func (h *handler) openOrders(w http.ResponseWriter, r *http.Request) {
	owner, ok := readableOwner(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dto.FromOrders(h.venue.OpenOrders(owner, r.URL.Query().Get("market"))))
}

func readableOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := callerOf(r)
	owner := chi.URLParam(r, "owner")
	if owner == "me" {
		owner = caller.Subject
	}
	if owner != caller.Subject && !caller.Can(authz.CapAdmin, authz.AnyMarket) {
		writeError(w, errs.New(errs.KindNotOwner, "%s may not read %s", caller.Subject, owner))
		return "", false
	}
	return owner, true
}

// -------------------- Responses --------------------

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	resp := errorResponse{Error: err.Error()}
	if kind != errs.KindUnknown {
		resp.Kind = kind.String()
	}
	writeJSON(w, Status(kind), resp)
}

// Status maps an error kind onto an HTTP status code.
func Status(k errs.Kind) int {
	switch k {
	case errs.KindInvalidParameter, errs.KindPriceOutOfRange, errs.KindInvalidBatchSize:
		return http.StatusBadRequest
	case errs.KindInsufficientCollateral, errs.KindInsufficientAvailable, errs.KindMarketNotActive:
		return http.StatusConflict
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindNotOwner:
		return http.StatusForbidden
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
