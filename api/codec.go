package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"tranchepool/native/vault"
)

const requestBodyLimit = 1 << 20 // 1 MiB

func decodeRequest(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"encode response"}`))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
}

// statusForError maps engine sentinels onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrUnknownLoan):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrLoanExists),
		errors.Is(err, vault.ErrRedemptionInProgress),
		errors.Is(err, vault.ErrPriceMismatch):
		return http.StatusConflict
	case errors.Is(err, vault.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, vault.ErrInsufficientLiquidity),
		errors.Is(err, vault.ErrInsufficientShares),
		errors.Is(err, vault.ErrTrancheInsolvent),
		errors.Is(err, vault.ErrSeniorReturnExceedsSpread),
		errors.Is(err, vault.ErrRepaymentTooLow),
		errors.Is(err, vault.ErrLoanNotRepaid),
		errors.Is(err, vault.ErrLoanNotExpired),
		errors.Is(err, vault.ErrLoanNotLiquidated):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrNilState):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

// parseOptionalAmount treats an absent amount as nil, which the engine reads
// as "everything available".
func parseOptionalAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(raw)
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseTranche(raw string) (vault.TrancheID, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "senior":
		return vault.TrancheSenior, nil
	case "junior":
		return vault.TrancheJunior, nil
	default:
		return 0, fmt.Errorf("unknown tranche %q", raw)
	}
}

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
