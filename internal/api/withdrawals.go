package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
	"liquidityVault/internal/withdrawal"
)

const defaultListLimit = 100

func (s *Server) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := model.WithdrawalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.WithdrawalPending, model.WithdrawalProcessing, model.WithdrawalSettled:
	default:
		writeError(w, vaulterr.Wrapf(errBadRequest, "unknown status %q", status))
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, vaulterr.Wrapf(errBadRequest, "invalid limit %q", raw))
			return
		}
		limit = n
	}
	records, err := s.vault.Coordinator.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawals": records})
}

func (s *Server) lastWithdrawal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"last_withdraw_id": s.vault.Coordinator.LastWithdrawID()})
}

func (s *Server) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	rec, ok, err := s.vault.Coordinator.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, vaulterr.Wrapf(vaulterr.ErrNotFound, "withdrawal %s", id.Hex()))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type withdrawalRequest struct {
	ReceiptToken string `json:"receipt_token"`
	AmountIn     string `json:"amount_in"`
	TokenOut     string `json:"token_out"`
	Receiver     string `json:"receiver"`
	AmmID        uint64 `json:"amm_id"`
	NetworkID    uint64 `json:"network_id"`
	Data         string `json:"data,omitempty"`
}

func (s *Server) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var p fieldParser
	wr := withdrawal.Request{
		ReceiptToken: p.parse("receipt_token", req.ReceiptToken),
		AmountIn:     p.amount("amount_in", req.AmountIn),
		TokenOut:     p.parse("token_out", req.TokenOut),
		Receiver:     p.parse("receiver", req.Receiver),
		AmmID:        req.AmmID,
		NetworkID:    req.NetworkID,
		Data:         p.hex("data", req.Data),
	}
	if p.err != nil {
		writeError(w, p.err)
		return
	}
	rec, err := s.vault.Coordinator.RequestWithdrawal(r.Context(), callerFrom(r.Context()), wr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type feeRequest struct {
	FeePercentage            uint64   `json:"fee_percentage"`
	BaseFee                  string   `json:"base_fee"`
	AmountToSwapToNative     string   `json:"amount_to_swap_to_native"`
	MinAmountOutNative       string   `json:"min_amount_out_native"`
	NativeSwapperID          uint64   `json:"native_swapper_id"`
	AmmID                    uint64   `json:"amm_id"`
	InvestmentStrategies     []string `json:"investment_strategies,omitempty"`
	InvestmentStrategiesData []string `json:"investment_strategies_data,omitempty"`
}

type settlementRequest struct {
	ID              string     `json:"id"`
	Receiver        string     `json:"receiver"`
	AmountIn        string     `json:"amount_in"`
	RequestedAmount string     `json:"requested_amount"`
	TokenIn         string     `json:"token_in"`
	TokenOut        string     `json:"token_out"`
	AmountOutMin    string     `json:"amount_out_min"`
	Fee             feeRequest `json:"fee"`
	SwapData        string     `json:"swap_data,omitempty"`
}

func (req settlementRequest) settlement() (withdrawal.Settlement, error) {
	id, err := parseHash(req.ID)
	if err != nil {
		return withdrawal.Settlement{}, err
	}
	var p fieldParser
	st := withdrawal.Settlement{
		ID:              id,
		Receiver:        p.parse("receiver", req.Receiver),
		AmountIn:        p.amount("amount_in", req.AmountIn),
		RequestedAmount: p.amount("requested_amount", req.RequestedAmount),
		TokenIn:         p.parse("token_in", req.TokenIn),
		TokenOut:        p.parse("token_out", req.TokenOut),
		AmountOutMin:    p.amount("amount_out_min", req.AmountOutMin),
		Fee: model.FeeSpec{
			FeePercentage:        req.Fee.FeePercentage,
			BaseFee:              p.amount("fee.base_fee", req.Fee.BaseFee),
			AmountToSwapToNative: p.amount("fee.amount_to_swap_to_native", req.Fee.AmountToSwapToNative),
			MinAmountOutNative:   p.amount("fee.min_amount_out_native", req.Fee.MinAmountOutNative),
			NativeSwapperID:      req.Fee.NativeSwapperID,
			AmmID:                req.Fee.AmmID,
			InvestmentStrategies: req.Fee.InvestmentStrategies,
		},
		SwapData: p.hex("swap_data", req.SwapData),
	}
	for i, raw := range req.Fee.InvestmentStrategiesData {
		st.Fee.InvestmentStrategiesData = append(st.Fee.InvestmentStrategiesData, p.hex("fee.investment_strategies_data["+strconv.Itoa(i)+"]", raw))
	}
	return st, p.err
}

func (s *Server) settleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	st, err := req.settlement()
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.vault.Coordinator.SettleWithdrawal(r.Context(), callerFrom(r.Context()), st)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) finalizeWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.vault.Coordinator.FinalizeRemote(r.Context(), callerFrom(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
