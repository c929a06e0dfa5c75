package api

import (
	"net/http"

	"liquidityVault/internal/gateway"
)

type provideLiquidityRequest struct {
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	LockBlocks uint64 `json:"lock_blocks,omitempty"`
}

// provideLiquidity deposits on behalf of the caller. A non-zero lock makes it
// active liquidity.
func (s *Server) provideLiquidity(w http.ResponseWriter, r *http.Request) {
	var req provideLiquidityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var p fieldParser
	token := p.parse("token", req.Token)
	amount := p.amount("amount", req.Amount)
	if p.err != nil {
		writeError(w, p.err)
		return
	}
	caller := callerFrom(r.Context())
	if req.LockBlocks == 0 {
		if err := s.vault.Gateway.ProvideLiquidity(r.Context(), caller, token, amount); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"provider": caller, "token": token, "amount": amount.Dec()})
		return
	}
	commitment, err := s.vault.Gateway.ProvideActiveLiquidity(r.Context(), caller, token, amount, req.LockBlocks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commitment)
}

type transferRequest struct {
	Amount               string `json:"amount"`
	TokenIn              string `json:"token_in"`
	TokenOut             string `json:"token_out"`
	Destination          string `json:"destination"`
	DestinationNetworkID uint64 `json:"destination_network_id"`
	SlippageBps          uint64 `json:"slippage_bps"`
	FeeToken             string `json:"fee_token"`
	AmmID                uint64 `json:"amm_id"`
	ExtraData            string `json:"extra_data,omitempty"`
	IsNative             bool   `json:"is_native,omitempty"`
}

func (s *Server) transferToLayer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var p fieldParser
	t := gateway.Transfer{
		Amount:               p.amount("amount", req.Amount),
		TokenIn:              p.parse("token_in", req.TokenIn),
		TokenOut:             p.parse("token_out", req.TokenOut),
		Destination:          p.parse("destination", req.Destination),
		DestinationNetworkID: req.DestinationNetworkID,
		SlippageBps:          req.SlippageBps,
		FeeToken:             p.parse("fee_token", req.FeeToken),
		AmmID:                req.AmmID,
		ExtraData:            p.hex("extra_data", req.ExtraData),
		IsNative:             req.IsNative,
	}
	if p.err != nil {
		writeError(w, p.err)
		return
	}
	rec, err := s.vault.Gateway.TransferToLayer(r.Context(), callerFrom(r.Context()), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}
