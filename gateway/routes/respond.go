package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	coreerrors "escrowledger/core/errors"
	escrowcommon "escrowledger/native/common"
)

const requestLimit = 1 << 20 // 1 MiB

var errMissingCaller = fmt.Errorf("caller not authenticated: %w", coreerrors.ErrUnauthorized)

// statusFor maps an engine error to the HTTP status reported to clients.
func statusFor(err error) int {
	if errors.Is(err, escrowcommon.ErrQuotaRequestsExceeded) || errors.Is(err, escrowcommon.ErrQuotaValueExceeded) {
		return http.StatusTooManyRequests
	}
	switch coreerrors.Kind(err) {
	case coreerrors.ErrNotFound:
		return http.StatusNotFound
	case coreerrors.ErrUnauthorized:
		return http.StatusForbidden
	case coreerrors.ErrInvalidInput:
		return http.StatusBadRequest
	case coreerrors.ErrInvalidState, coreerrors.ErrDuplicate, coreerrors.ErrWindow:
		return http.StatusConflict
	case coreerrors.ErrThreshold, coreerrors.ErrTransfer:
		return http.StatusUnprocessableEntity
	case coreerrors.ErrModulePaused:
		return http.StatusServiceUnavailable
	case coreerrors.ErrNotConfigured:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	body := map[string]string{"error": message}
	if kind := coreerrors.Kind(err); kind != nil {
		body["kind"] = kind.Error()
	}
	writeJSON(w, status, body)
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func decodeRequest(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAddress(field, raw string) ([20]byte, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return [20]byte{}, fmt.Errorf("%s: %q is not a hex address", field, raw)
	}
	return common.HexToAddress(raw), nil
}

// parseOptionalAddress returns the zero address for an empty value.
func parseOptionalAddress(field, raw string) ([20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [20]byte{}, nil
	}
	return parseAddress(field, raw)
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: %q is not a non-negative integer", field, raw)
	}
	return v, nil
}

func parseHash(field, raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("%s: expected 0x-prefixed 32-byte hex", field)
	}
	copy(out[:], decoded)
	return out, nil
}

func pathID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid escrow id %q", raw)
	}
	return id, nil
}

func pathIndex(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid milestone index %q", raw)
	}
	return index, nil
}
