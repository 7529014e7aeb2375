package routes

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	coreerrors "escrowledger/core/errors"
	"escrowledger/core/events"
	"escrowledger/gateway/middleware"
	"escrowledger/native/escrow"
	"escrowledger/native/ledger"
	"escrowledger/native/lending"
	"escrowledger/observability/logging"
	"escrowledger/storage"
)

// api holds the handlers shared by every route group.
type api struct {
	engine    *escrow.Engine
	lenders   *lending.Book
	bank      *ledger.Bank
	snapshots *storage.SnapshotStore
	audit     *storage.AuditLog
	throttles middleware.ThrottleRecorder
	hub       *events.Hub
	origins   []string
	logger    *slog.Logger
}

// mutation performs one authenticated state change. It returns the escrow
// the change touched (zero for none), the response payload and a short
// detail recorded in the audit log.
type mutation func(r *http.Request, caller [20]byte) (escrowID uint64, payload any, detail string, err error)

func (a *api) mutate(module, op string, status int, fn mutation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.CallerFrom(r.Context())
		if !ok {
			writeEngineError(w, errMissingCaller)
			return
		}
		id, payload, detail, err := fn(r, caller)
		if err != nil {
			a.fail(w, r, module, op, err)
			return
		}
		digest := a.persist(r.Context(), op, id, caller, detail)
		if digest != "" {
			w.Header().Set("X-Snapshot-Digest", digest)
		}
		writeJSON(w, status, payload)
	}
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, module, op string, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests && a.throttles != nil {
		a.throttles.RecordThrottle(module, "quota_exceeded")
	}
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	a.logger.Log(r.Context(), level, "operation rejected",
		logging.MaskField("request_id", middleware.RequestIDFrom(r.Context())),
		logging.MaskField("module", module),
		logging.MaskField("event", op),
		slog.Int("status", status),
		logging.MaskField("error", err.Error()))
	writeJSONError(w, status, err)
}

// persist stores the escrow snapshot and appends the audit row. The state
// change has already been applied, so failures are logged and not returned.
func (a *api) persist(ctx context.Context, op string, id uint64, caller [20]byte, detail string) string {
	var digest string
	if id != 0 && a.snapshots != nil {
		snap, err := a.engine.Snapshot(id)
		if err == nil {
			var sum [32]byte
			sum, err = a.snapshots.Save(snap)
			digest = hex.EncodeToString(sum[:])
		}
		if err != nil {
			digest = ""
			a.logger.Error("snapshot persist failed",
				slog.Uint64("escrow_id", id),
				slog.String("event", op),
				slog.String("error", err.Error()))
		}
	}
	if a.audit != nil {
		_, err := a.audit.Append(ctx, storage.AuditEntry{
			RequestID: middleware.RequestIDFrom(ctx),
			Caller:    hexAddr(caller),
			Operation: op,
			EscrowID:  id,
			Digest:    digest,
			Detail:    detail,
		})
		if err != nil {
			a.logger.Error("audit append failed",
				slog.Uint64("escrow_id", id),
				slog.String("event", op),
				slog.String("error", err.Error()))
		}
	}
	return digest
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "escrows": a.engine.Count()})
}

func (a *api) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": hexAddr(addr),
		"balance": amount(a.bank.Balance(addr)),
	})
}

func invalidInput(err error) error {
	return fmt.Errorf("%v: %w", err, coreerrors.ErrInvalidInput)
}
