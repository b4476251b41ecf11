package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"shortlinker/internal/model"
	"shortlinker/internal/service"
)

type Handler struct {
	Service     *service.Service
	AdminToken  string
	RateLimiter *SimpleRateLimiter
	Logger      *slog.Logger
}

// Request bodies
type shortenRequest struct {
	URL         string `json:"url"`
	CustomAlias string `json:"custom_alias,omitempty"`
	Password    string `json:"password,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
}

type shortenResponse struct {
	ShortURL  string    `json:"short_url"`
	ShortCode string    `json:"short_code"`
	TargetURL string    `json:"target_url"`
	CreatedAt time.Time `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(s *service.Service, logger *slog.Logger) *Handler {
	return &Handler{
		Service:     s,
		AdminToken:  os.Getenv("ADMIN_TOKEN"),
		RateLimiter: NewSimpleRateLimiter(),
		Logger:      logger,
	}
}

func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/shorten", h.RateLimitMiddleware(h.CreateShort)).Methods("POST")
	r.HandleFunc("/api/popular", h.ListPopular).Methods("GET")
	r.HandleFunc("/api/links/{code}/analytics", h.GetAnalytics).Methods("GET")
	r.HandleFunc("/api/links/{code}", h.DisableLink).Methods("DELETE")
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
	r.HandleFunc("/{code}", h.RateLimitMiddleware(h.Redirect)).Methods("GET")

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			h.Logger.Info("request", "method", req.Method, "path", req.URL.Path)
			next.ServeHTTP(w, req)
		})
	})

	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) CreateShort(w http.ResponseWriter, r *http.Request) {
	var req shortenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "url missing")
		return
	}

	in := service.CreateInput{
		TargetURL:   req.URL,
		CustomAlias: req.CustomAlias,
		Password:    req.Password,
		OwnerID:     req.OwnerID,
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "expires_at must be RFC3339")
			return
		}
		in.ExpiresAt = &t
	}

	link, err := h.Service.CreateLink(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	host := r.Host
	scheme := "https"
	if r.TLS == nil && os.Getenv("DEV_HTTP") == "true" {
		scheme = "http"
	}
	resp := &shortenResponse{
		ShortURL:  fmt.Sprintf("%s://%s/%s", scheme, host, link.ShortCode),
		ShortCode: link.ShortCode,
		TargetURL: link.TargetURL,
		CreatedAt: link.CreatedAt,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if code == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	target, err := h.Service.ResolveLink(r.Context(), code, r.URL.Query().Get("password"), clickContextFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	summary, err := h.Service.GetAnalytics(r.Context(), code, r.Header.Get("X-Owner-Id"), h.isAdmin(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (h *Handler) DisableLink(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if err := h.Service.DisableLink(r.Context(), code, r.Header.Get("X-Owner-Id"), h.isAdmin(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPopular(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}
	tf, ok := model.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "timeframe must be one of all, today, week, month")
		return
	}
	byClicks := r.URL.Query().Get("by") == "clicks"

	list, err := h.Service.ListPopular(r.Context(), limit, tf, byClicks)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []model.LinkSummary{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (h *Handler) RateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.RateLimiter.Allow(clientIP(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (h *Handler) isAdmin(r *http.Request) bool {
	token := r.Header.Get("X-Admin-Token")
	return token != "" && token == h.AdminToken
}

// writeError maps the domain taxonomy onto HTTP statuses. Gone deliberately
// renders as 404: dead links should be indistinguishable from unknown ones.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrBadRequest):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrConflict):
		writeJSONError(w, http.StatusConflict, "alias already taken")
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrGone):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, "password required or incorrect")
	case errors.Is(err, model.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "not allowed")
	case errors.Is(err, model.ErrExhaustedRetries), errors.Is(err, model.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		h.Logger.Error("unhandled error", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func clickContextFrom(r *http.Request) model.ClickContext {
	country := r.Header.Get("CF-IPCountry")
	if country == "" {
		country = r.Header.Get("X-Country")
	}
	return model.ClickContext{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
		Country:   country,
		At:        time.Now(),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
