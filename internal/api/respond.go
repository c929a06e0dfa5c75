package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

var errBadRequest = &vaulterr.Error{Kind: vaulterr.KindValidation, Code: "ERR: REQUEST"}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, vaulterr.ErrNotFound) {
		return http.StatusNotFound
	}
	switch vaulterr.KindOf(err) {
	case vaulterr.KindValidation:
		return http.StatusBadRequest
	case vaulterr.KindAuthorization:
		return http.StatusForbidden
	case vaulterr.KindIdempotency:
		return http.StatusConflict
	case vaulterr.KindInsufficientFunds, vaulterr.KindConfiguration:
		return http.StatusUnprocessableEntity
	case vaulterr.KindExternalAdapter:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := vaulterr.CodeOf(err)
	if code == "" {
		code = "internal error"
	}
	writeJSON(w, statusFor(err), errorBody{Error: code, Detail: err.Error()})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return vaulterr.Wrapf(errBadRequest, "decode body: %v", err)
	}
	return nil
}

func parseAddress(field, input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(input) {
		return common.Address{}, vaulterr.Wrapf(vaulterr.ErrAddress, "%s: invalid address %q", field, input)
	}
	return common.HexToAddress(input), nil
}

func parseAmount(field, input string) (*uint256.Int, error) {
	v, err := model.ParseAmount(input)
	if err != nil {
		return nil, vaulterr.Wrapf(vaulterr.ErrAmount, "%s: %v", field, err)
	}
	return v, nil
}

func parseHex(field, input string) ([]byte, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}
	data, err := hexutil.Decode(input)
	if err != nil {
		return nil, vaulterr.Wrapf(errBadRequest, "%s: %v", field, err)
	}
	return data, nil
}

func parseHash(input string) (common.Hash, error) {
	data, err := hexutil.Decode(strings.TrimSpace(input))
	if err != nil || len(data) != common.HashLength {
		return common.Hash{}, vaulterr.Wrapf(vaulterr.ErrNotFound, "invalid withdrawal id %q", input)
	}
	return common.BytesToHash(data), nil
}

func parseUint(field, input string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(input), 10, 64)
	if err != nil {
		return 0, vaulterr.Wrapf(vaulterr.ErrAmount, "%s: %v", field, err)
	}
	return v, nil
}

// fieldParser parses request fields in order and keeps the first error.
type fieldParser struct {
	err error
}

func (l *fieldParser) parse(field, input string) common.Address {
	if l.err != nil {
		return common.Address{}
	}
	addr, err := parseAddress(field, input)
	if err != nil {
		l.err = err
	}
	return addr
}

func (l *fieldParser) amount(field, input string) *uint256.Int {
	if l.err != nil {
		return nil
	}
	v, err := parseAmount(field, input)
	if err != nil {
		l.err = err
	}
	return v
}

func (l *fieldParser) hex(field, input string) []byte {
	if l.err != nil {
		return nil
	}
	v, err := parseHex(field, input)
	if err != nil {
		l.err = err
	}
	return v
}

func formatted(v *uint256.Int, decimals uint8) amountView {
	return amountView{Raw: model.AmountString(v), Formatted: model.FormatAmount(v, decimals)}
}

type amountView struct {
	Raw       string `json:"raw"`
	Formatted string `json:"formatted"`
}
