// ABOUTME: Provisioning HTTP handlers over the bridge's per-user operations
// ABOUTME: Bearer auth middleware, request ids and JSON error responses

package provisioning

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/bridge"
	"github.com/2389/matrix-wechat/internal/store"
)

// Bridge is the set of bridge operations the API exposes.
type Bridge interface {
	LoginState(ctx context.Context, mxid id.UserID) (bridge.LoginStatus, error)
	Login(ctx context.Context, mxid id.UserID, room id.RoomID) (*bridge.LoginResult, error)
	Logout(ctx context.Context, mxid id.UserID) error
	Portals(ctx context.Context, mxid id.UserID) ([]bridge.PortalInfo, error)
	BridgeChat(ctx context.Context, mxid id.UserID, chatID string) (bridge.PortalInfo, error)
	PortalInfo(ctx context.Context, room id.RoomID) (bridge.PortalInfo, error)
	UnbridgeRoom(ctx context.Context, room id.RoomID) error
}

// API serves the provisioning routes.
type API struct {
	prefix   string
	secret   string
	verifier *Verifier
	bridge   Bridge
	logger   *slog.Logger
}

// New creates the API. An empty shared secret disables it.
func New(prefix, sharedSecret string, b Bridge, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		prefix:   strings.TrimSuffix(prefix, "/"),
		secret:   sharedSecret,
		verifier: NewVerifier([]byte(sharedSecret)),
		bridge:   b,
		logger:   logger.With("component", "provisioning"),
	}
}

// Enabled reports whether a shared secret is configured.
func (a *API) Enabled() bool { return a.secret != "" }

// RegisterRoutes registers the API on mux. Nothing is registered when the
// API is disabled.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	if !a.Enabled() {
		a.logger.Info("provisioning API disabled (no shared secret)")
		return
	}
	routes := map[string]http.HandlerFunc{
		"GET /ping":               a.handlePing,
		"POST /login":             a.handleLogin,
		"POST /logout":            a.handleLogout,
		"GET /rooms":              a.handleRooms,
		"POST /bridge":            a.handleBridge,
		"GET /bridge/{roomId}":    a.handleGetBridge,
		"DELETE /bridge/{roomId}": a.handleDeleteBridge,
	}
	for pattern, h := range routes {
		method, path, _ := strings.Cut(pattern, " ")
		mux.Handle(method+" "+a.prefix+path, a.authMiddleware(h))
	}
}

type userKey struct{}

func withUser(ctx context.Context, mxid id.UserID) context.Context {
	return context.WithValue(ctx, userKey{}, mxid)
}

// userFrom returns the authenticated caller.
func userFrom(ctx context.Context) id.UserID {
	mxid, _ := ctx.Value(userKey{}).(id.UserID)
	return mxid
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)

		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			writeError(w, http.StatusUnauthorized, errMsg)
			return
		}

		var mxid id.UserID
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) == 1 {
			mxid = id.UserID(r.URL.Query().Get("user_id"))
			if _, _, err := mxid.Parse(); err != nil {
				writeError(w, http.StatusBadRequest, "user_id query parameter is required")
				return
			}
		} else {
			var err error
			mxid, err = a.verifier.Verify(token)
			if err != nil {
				a.logger.Debug("rejected provisioning token", "request_id", reqID, "error", err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}

		a.logger.Debug("provisioning request", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "user", mxid)
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), mxid)))
	})
}

func (a *API) handlePing(w http.ResponseWriter, r *http.Request) {
	st, err := a.bridge.LoginState(r.Context(), userFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// LoginResponse is the JSON response for POST /login.
type LoginResponse struct {
	LoggedIn        bool   `json:"logged_in"`
	AlreadyLoggedIn bool   `json:"already_logged_in,omitempty"`
	UIN             string `json:"uin,omitempty"`
	// QR is the base64 PNG to scan when logged_in is false.
	QR []byte `json:"qr,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	res, err := a.bridge.Login(r.Context(), userFrom(r.Context()), "")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.LoggedIn {
		status = http.StatusAccepted
	}
	writeJSON(w, status, LoginResponse{
		LoggedIn:        res.LoggedIn,
		AlreadyLoggedIn: res.AlreadyLoggedIn,
		UIN:             res.UIN,
		QR:              res.QR,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.bridge.Logout(r.Context(), userFrom(r.Context())); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// RoomsResponse is the JSON response for GET /rooms.
type RoomsResponse struct {
	Rooms []bridge.PortalInfo `json:"rooms"`
}

func (a *API) handleRooms(w http.ResponseWriter, r *http.Request) {
	portals, err := a.bridge.Portals(r.Context(), userFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RoomsResponse{Rooms: portals})
}

// BridgeRequest is the JSON request body for POST /bridge.
type BridgeRequest struct {
	ChatID string `json:"chat_id"`
}

func (a *API) handleBridge(w http.ResponseWriter, r *http.Request) {
	var req BridgeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	info, err := a.bridge.BridgeChat(r.Context(), userFrom(r.Context()), req.ChatID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *API) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	info, err := a.bridge.PortalInfo(r.Context(), id.RoomID(r.PathValue("roomId")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleDeleteBridge(w http.ResponseWriter, r *http.Request) {
	if err := a.bridge.UnbridgeRoom(r.Context(), id.RoomID(r.PathValue("roomId"))); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// fail maps bridge errors onto HTTP statuses.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bridge.ErrNotLoggedIn):
		writeError(w, http.StatusForbidden, "not logged in")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		a.logger.Error("provisioning request failed", "path", r.URL.Path, "user", userFrom(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
