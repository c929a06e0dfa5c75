package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"liquidityVault/internal/model"
	"liquidityVault/internal/vaulterr"
)

type tokenView struct {
	model.Token
	Liquidity *liquidityView `json:"liquidity,omitempty"`
}

type liquidityView struct {
	Token     common.Address `json:"token"`
	Decimals  uint8          `json:"decimals"`
	Custodied amountView     `json:"custodied"`
	Invested  amountView     `json:"invested"`
	Reserved  amountView     `json:"reserved"`
	Earmarked amountView     `json:"earmarked"`
	Available amountView     `json:"available"`
	Fees      amountView     `json:"fees"`
	Supply    amountView     `json:"receipt_supply"`
}

func (s *Server) liquidity(token common.Address) liquidityView {
	decimals, _ := s.vault.Registry.Decimals(token)
	b := s.vault.Holding.Balance(token)
	return liquidityView{
		Token:     token,
		Decimals:  decimals,
		Custodied: formatted(b.Custodied, decimals),
		Invested:  formatted(b.Invested, decimals),
		Reserved:  formatted(b.Reserved, decimals),
		Earmarked: formatted(b.Earmarked, decimals),
		Available: formatted(b.Available, decimals),
		Fees:      formatted(b.Fees, decimals),
		Supply:    formatted(s.vault.Ledger.TotalSupply(token), decimals),
	}
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": s.vault.Registry.Tokens()})
}

func (s *Server) tokenParam(r *http.Request) (common.Address, error) {
	token, err := parseAddress("token", chi.URLParam(r, "token"))
	if err != nil {
		return common.Address{}, err
	}
	if token == (common.Address{}) {
		return common.Address{}, vaulterr.Wrapf(vaulterr.ErrAddress, "token is required")
	}
	return token, nil
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokenParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, ok := s.vault.Registry.Token(token)
	if !ok {
		writeError(w, vaulterr.Wrapf(vaulterr.ErrNotFound, "token %s", token.Hex()))
		return
	}
	view := tokenView{Token: t}
	if t.Whitelisted {
		liq := s.liquidity(token)
		view.Liquidity = &liq
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getLiquidity(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokenParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.vault.Registry.IsWhitelisted(token) {
		writeError(w, vaulterr.Wrapf(vaulterr.ErrTokenNotWhitelisted, "token %s", token.Hex()))
		return
	}
	writeJSON(w, http.StatusOK, s.liquidity(token))
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokenParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	holder, err := parseAddress("holder", chi.URLParam(r, "holder"))
	if err != nil {
		writeError(w, err)
		return
	}
	decimals, _ := s.vault.Registry.Decimals(token)
	resp := map[string]interface{}{
		"token":     token,
		"holder":    holder,
		"balance":   formatted(s.vault.Ledger.BalanceOf(token, holder), decimals),
		"available": formatted(s.vault.Ledger.Available(token, holder), decimals),
		"escrowed":  formatted(s.vault.Ledger.Escrowed(token, holder), decimals),
	}
	locked, err := s.vault.Holding.LockedReceipts(r.Context(), holder, token)
	if err != nil {
		writeError(w, err)
		return
	}
	resp["locked"] = formatted(locked, decimals)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listAMMs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"amms":            s.vault.Router.IDs(),
		"native_swappers": s.vault.Natives.IDs(),
	})
}

func (s *Server) listStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.vault.Strategies.IDs(),
		"positions":  s.vault.Strategies.Positions(),
	})
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	events := s.vault.Recent.Events()
	if raw := r.URL.Query().Get("type"); raw != "" {
		filtered := events[:0:0]
		for _, ev := range events {
			if string(ev.Type) == raw {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, vaulterr.Wrapf(errBadRequest, "invalid limit %q", raw))
			return
		}
		if limit < len(events) {
			events = events[len(events)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
