// ABOUTME: Application service HTTP handlers: transactions, user and room queries, ping
// ABOUTME: hs_token authentication and transaction replay protection

package appservice

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/dedupe"
)

// maxTransactionSize bounds a transaction body.
const maxTransactionSize = 16 << 20

// EventHandler receives the events of a transaction.
type EventHandler interface {
	HandleMatrixEvent(evt *event.Event)
}

// Options configures a Server.
type Options struct {
	HSToken string
	BotMXID id.UserID
	// IsGhost reports whether a user id belongs to the bridge's namespace.
	IsGhost func(id.UserID) bool
	// TxnWindow is how long transaction ids are remembered.
	TxnWindow time.Duration
	Logger    *slog.Logger
}

// Server implements the application service API.
type Server struct {
	hsToken string
	bot     id.UserID
	isGhost func(id.UserID) bool
	handler EventHandler
	txns    *dedupe.Window
	logger  *slog.Logger
}

// Transaction is the body of a transaction push.
type Transaction struct {
	Events    []*event.Event `json:"events"`
	Ephemeral []*event.Event `json:"ephemeral,omitempty"`
	// Unstable name used by homeservers before MSC2409 was merged.
	MSC2409Ephemeral []*event.Event `json:"de.sorunome.msc2409.ephemeral,omitempty"`
}

// New creates a Server that delivers events to handler.
func New(opts Options, handler EventHandler) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := opts.TxnWindow
	if window <= 0 {
		window = time.Hour
	}
	isGhost := opts.IsGhost
	if isGhost == nil {
		isGhost = func(id.UserID) bool { return false }
	}
	return &Server{
		hsToken: opts.HSToken,
		bot:     opts.BotMXID,
		isGhost: isGhost,
		handler: handler,
		txns:    dedupe.New(window, 1024),
		logger:  logger.With("component", "appservice"),
	}
}

// RegisterRoutes registers the appservice API on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	for _, prefix := range []string{"/_matrix/app/v1", ""} {
		mux.Handle("PUT "+prefix+"/transactions/{txnId}", s.auth(http.HandlerFunc(s.handleTransaction)))
		mux.Handle("GET "+prefix+"/users/{userId}", s.auth(http.HandlerFunc(s.handleUserQuery)))
		mux.Handle("GET "+prefix+"/rooms/{alias}", s.auth(http.HandlerFunc(s.handleRoomQuery)))
	}
	mux.Handle("POST /_matrix/app/v1/ping", s.auth(http.HandlerFunc(s.handlePing)))
}

// auth rejects requests that do not carry the hs_token.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "M_UNAUTHORIZED", "missing access token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.hsToken)) != 1 {
			writeError(w, http.StatusForbidden, "M_FORBIDDEN", "invalid access token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("txnId")
	if txnID == "" {
		writeError(w, http.StatusBadRequest, "M_MISSING_PARAM", "missing transaction id")
		return
	}
	if s.txns.Seen(txnID) {
		s.logger.Debug("ignoring replayed transaction", "txn_id", txnID)
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTransactionSize))
	if err != nil {
		s.txns.Forget(txnID)
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "failed to read body")
		return
	}
	var txn Transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		s.txns.Forget(txnID)
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "invalid transaction body")
		return
	}

	s.logger.Debug("received transaction", "txn_id", txnID, "events", len(txn.Events),
		"ephemeral", len(txn.Ephemeral)+len(txn.MSC2409Ephemeral))
	for _, evt := range txn.Events {
		s.dispatch(evt, false)
	}
	for _, evt := range append(txn.Ephemeral, txn.MSC2409Ephemeral...) {
		s.dispatch(evt, true)
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) dispatch(evt *event.Event, ephemeral bool) {
	if evt == nil {
		return
	}
	switch {
	case ephemeral:
		evt.Type.Class = event.EphemeralEventType
	case evt.StateKey != nil:
		evt.Type.Class = event.StateEventType
	case evt.Type.Class == event.UnknownEventType:
		evt.Type.Class = event.MessageEventType
	}
	s.handler.HandleMatrixEvent(evt)
}

func (s *Server) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(r.PathValue("userId"))
	if userID == s.bot || s.isGhost(userID) {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeError(w, http.StatusNotFound, "M_NOT_FOUND", "user is not in the bridge namespace")
}

// handleRoomQuery answers alias queries. The bridge owns no aliases.
func (s *Server) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "M_NOT_FOUND", "no such alias")
}

type pingRequest struct {
	TransactionID string `json:"transaction_id"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "invalid ping body")
		return
	}
	s.logger.Debug("homeserver ping", "txn_id", req.TransactionID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errcode, message string) {
	writeJSON(w, status, map[string]string{"errcode": errcode, "error": message})
}
