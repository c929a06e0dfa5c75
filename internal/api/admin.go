package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityVault/internal/access"
	"liquidityVault/internal/events"
	"liquidityVault/internal/model"
	"liquidityVault/internal/registry"
	"liquidityVault/internal/strategy"
	"liquidityVault/internal/vaulterr"
)

type whitelistRequest struct {
	Token    string `json:"token"`
	Min      string `json:"min"`
	Max      string `json:"max"`
	Decimals uint8  `json:"decimals,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
}

func (s *Server) whitelistToken(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var p fieldParser
	params := registry.WhitelistParams{
		Token:    p.parse("token", req.Token),
		Min:      p.amount("min", req.Min),
		Max:      p.amount("max", req.Max),
		Decimals: req.Decimals,
		Symbol:   req.Symbol,
	}
	if p.err != nil {
		writeError(w, p.err)
		return
	}
	tok, err := s.vault.Registry.Whitelist(r.Context(), callerFrom(r.Context()), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) removeToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokenParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.Registry.RemoveWhitelist(r.Context(), callerFrom(r.Context()), token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type remoteMappingRequest struct {
	RemoteToken string `json:"remote_token"`
	NetworkID   uint64 `json:"network_id"`
	Ratio       uint64 `json:"ratio"`
}

func (s *Server) setRemoteMapping(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokenParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req remoteMappingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	remote, err := parseAddress("remote_token", req.RemoteToken)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.Registry.SetRemoteMapping(r.Context(), callerFrom(r.Context()), token, remote, req.NetworkID, req.Ratio); err != nil {
		writeError(w, err)
		return
	}
	tok, _ := s.vault.Registry.Token(token)
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) pauseNetwork(w http.ResponseWriter, r *http.Request) {
	s.setNetworkPaused(w, r, true)
}

func (s *Server) unpauseNetwork(w http.ResponseWriter, r *http.Request) {
	s.setNetworkPaused(w, r, false)
}

func (s *Server) setNetworkPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	networkID, err := parseUint("network", chi.URLParam(r, "network"))
	if err != nil {
		writeError(w, err)
		return
	}
	caller := callerFrom(r.Context())
	if paused {
		err = s.vault.Registry.PauseNetwork(r.Context(), caller, networkID)
	} else {
		err = s.vault.Registry.UnpauseNetwork(r.Context(), caller, networkID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"network_id": networkID, "paused": paused})
}

type feesRequest struct {
	MinFee *uint64 `json:"min_fee,omitempty"`
	MaxFee *uint64 `json:"max_fee,omitempty"`
}

// setFees applies max before min when raising both so the bounds never cross.
func (s *Server) setFees(w http.ResponseWriter, r *http.Request) {
	var req feesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, caller := r.Context(), callerFrom(r.Context())
	_, curMax := s.vault.Registry.FeeBounds()
	steps := []func() error{}
	setMin := func() error { return s.vault.Registry.SetMinFee(ctx, caller, *req.MinFee) }
	setMax := func() error { return s.vault.Registry.SetMaxFee(ctx, caller, *req.MaxFee) }
	switch {
	case req.MinFee != nil && req.MaxFee != nil && *req.MaxFee > curMax:
		steps = append(steps, setMax, setMin)
	case req.MinFee != nil && req.MaxFee != nil:
		steps = append(steps, setMin, setMax)
	case req.MinFee != nil:
		steps = append(steps, setMin)
	case req.MaxFee != nil:
		steps = append(steps, setMax)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			writeError(w, err)
			return
		}
	}
	minFee, maxFee := s.vault.Registry.FeeBounds()
	writeJSON(w, http.StatusOK, map[string]uint64{"min_fee": minFee, "max_fee": maxFee})
}

type feeTokenRequest struct {
	NetworkID uint64 `json:"network_id"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
}

func (s *Server) setFeeToken(w http.ResponseWriter, r *http.Request) {
	var req feeTokenRequest
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
	if err := s.vault.Registry.SetFeeToken(r.Context(), callerFrom(r.Context()), req.NetworkID, token, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"network_id": req.NetworkID, "token": token, "amount": amount.Dec()})
}

func (s *Server) removeFeeToken(w http.ResponseWriter, r *http.Request) {
	networkID, err := parseUint("network", chi.URLParam(r, "network"))
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.tokenParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.Registry.RemoveFeeToken(r.Context(), callerFrom(r.Context()), networkID, token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type vaultConfigRequest struct {
	SmallBalanceSwap *bool  `json:"small_balance_swap,omitempty"`
	TransferLockup   string `json:"transfer_lockup,omitempty"`
	WrappedNative    string `json:"wrapped_native,omitempty"`
}

func (s *Server) setVaultConfig(w http.ResponseWriter, r *http.Request) {
	var req vaultConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, caller := r.Context(), callerFrom(r.Context())
	if req.SmallBalanceSwap != nil {
		if err := s.vault.Registry.SetSmallBalanceSwap(ctx, caller, *req.SmallBalanceSwap); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.TransferLockup != "" {
		d, err := time.ParseDuration(req.TransferLockup)
		if err != nil {
			writeError(w, vaulterr.Wrapf(errBadRequest, "transfer_lockup: %v", err))
			return
		}
		if err := s.vault.Registry.SetTransferLockup(ctx, caller, d); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.WrappedNative != "" {
		token, err := parseAddress("wrapped_native", req.WrappedNative)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.vault.Registry.SetWrappedNative(ctx, caller, token); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"small_balance_swap": s.vault.Registry.SmallBalanceSwapEnabled(),
		"transfer_lockup":    s.vault.Registry.TransferLockup().String(),
		"wrapped_native":     s.vault.Registry.WrappedNative(),
	})
}

type roleRequest struct {
	Role    string `json:"role"`
	Account string `json:"account"`
	Grant   bool   `json:"grant"`
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caller := callerFrom(r.Context())
	if err := s.vault.Auth.Check(access.OpManageRoles, caller); err != nil {
		writeError(w, err)
		return
	}
	role, ok := access.ParseRole(req.Role)
	if !ok {
		writeError(w, vaulterr.Wrapf(errBadRequest, "unknown role %q", req.Role))
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Grant {
		s.vault.Auth.Grant(role, account)
	} else if err := s.vault.Auth.Revoke(role, account); err != nil {
		writeError(w, err)
		return
	}
	action := "revoked"
	if req.Grant {
		action = "granted"
	}
	s.logger.Info("role changed", zap.String("role", string(role)), zap.String("account", account.Hex()), zap.String("action", action))
	events.Emit(r.Context(), s.vault.Bus, model.Event{
		Type:         model.EventRoleChanged,
		Account:      account.Hex(),
		Counterparty: caller.Hex(),
		Attributes:   map[string]string{"role": string(role), "role_id": role.ID().Hex(), "action": action},
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"role": role, "holders": s.vault.Auth.Holders(role)})
}

type investmentItem struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type strategyRequest struct {
	Investments []investmentItem `json:"investments,omitempty"`
	Data        string           `json:"data,omitempty"`
	Key         string           `json:"key,omitempty"`
}

type strategyResponse struct {
	strategy.Result
	Amounts []investmentItem `json:"amounts"`
}

func (s *Server) decodeStrategy(r *http.Request) (string, []model.Investment, []byte, string, error) {
	var req strategyRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", nil, nil, "", err
	}
	var p fieldParser
	investments := make([]model.Investment, 0, len(req.Investments))
	for _, item := range req.Investments {
		investments = append(investments, model.Investment{
			Token:  p.parse("token", item.Token),
			Amount: p.amount("amount", item.Amount),
		})
	}
	data := p.hex("data", req.Data)
	return chi.URLParam(r, "strategy"), investments, data, req.Key, p.err
}

func writeStrategyResult(w http.ResponseWriter, res strategy.Result) {
	out := strategyResponse{Result: res, Amounts: make([]investmentItem, 0, len(res.Amounts))}
	for _, inv := range res.Amounts {
		out.Amounts = append(out.Amounts, investmentItem{Token: inv.Token.Hex(), Amount: model.AmountString(inv.Amount)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) invest(w http.ResponseWriter, r *http.Request) {
	id, investments, data, key, err := s.decodeStrategy(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.vault.Strategies.Invest(r.Context(), callerFrom(r.Context()), id, investments, data, key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeStrategyResult(w, res)
}

func (s *Server) withdrawInvestment(w http.ResponseWriter, r *http.Request) {
	id, investments, data, key, err := s.decodeStrategy(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.vault.Strategies.WithdrawInvestment(r.Context(), callerFrom(r.Context()), id, investments, data, key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeStrategyResult(w, res)
}

func (s *Server) claimRewards(w http.ResponseWriter, r *http.Request) {
	id, _, data, key, err := s.decodeStrategy(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.vault.Strategies.ClaimRewards(r.Context(), callerFrom(r.Context()), id, data, key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeStrategyResult(w, res)
}

type marketRequest struct {
	Token  string `json:"token"`
	Market string `json:"market"`
}

func (s *Server) setLendingMarket(w http.ResponseWriter, r *http.Request) {
	var req marketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.Auth.Check(access.OpSetVaultConfig, callerFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	var p fieldParser
	token := p.parse("token", req.Token)
	market := p.parse("market", req.Market)
	if p.err != nil {
		writeError(w, p.err)
		return
	}
	s.vault.Lending.SetMarket(token, market)
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "market": market})
}

type poolLiquidityRequest struct {
	TokenA  string `json:"token_a"`
	TokenB  string `json:"token_b"`
	AmountA string `json:"amount_a"`
	AmountB string `json:"amount_b"`
}

func (s *Server) addPoolLiquidity(w http.ResponseWriter, r *http.Request) {
	var req poolLiquidityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.Auth.Check(access.OpSetVaultConfig, callerFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	var p fieldParser
	tokenA := p.parse("token_a", req.TokenA)
	tokenB := p.parse("token_b", req.TokenB)
	amountA := p.amount("amount_a", req.AmountA)
	amountB := p.amount("amount_b", req.AmountB)
	if p.err != nil {
		writeError(w, p.err)
		return
	}
	if err := s.vault.Pool.AddLiquidity(tokenA, tokenB, amountA, amountB); err != nil {
		writeError(w, vaulterr.Wrap(errBadRequest, err))
		return
	}
	ra, rb := s.vault.Pool.Reserves(tokenA, tokenB)
	writeJSON(w, http.StatusOK, map[string]string{"reserve_a": model.AmountString(ra), "reserve_b": model.AmountString(rb)})
}

type moveRequest struct {
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

func (req moveRequest) parse() (common.Address, *uint256.Int, common.Address, error) {
	var p fieldParser
	token := p.parse("token", req.Token)
	amount := p.amount("amount", req.Amount)
	dest := p.parse("destination", req.Destination)
	return token, amount, dest, p.err
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, s.vault.Holding.Release)
}

func (s *Server) rebalance(w http.ResponseWriter, r *http.Request) {
	s.moveFunds(w, r, s.vault.Holding.ExtractForRebalancing)
}

type moveFunc func(ctx context.Context, caller, token common.Address, amount *uint256.Int, dest common.Address) error

func (s *Server) moveFunds(w http.ResponseWriter, r *http.Request, move moveFunc) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, amount, dest, err := req.parse()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := move(r.Context(), callerFrom(r.Context()), token, amount, dest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.liquidity(token))
}

func (s *Server) pauseHolding(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Holding.Pause(r.Context(), callerFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.vault.Holding.Paused()})
}

func (s *Server) unpauseHolding(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Holding.Unpause(r.Context(), callerFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.vault.Holding.Paused()})
}

type lockUpRequest struct {
	LockUp string `json:"lock_up"`
}

func (s *Server) startLockUpChange(w http.ResponseWriter, r *http.Request) {
	var req lockUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := time.ParseDuration(req.LockUp)
	if err != nil {
		writeError(w, vaulterr.Wrapf(errBadRequest, "lock_up: %v", err))
		return
	}
	if err := s.vault.Holding.StartSaveFundsLockUpTimerChange(r.Context(), callerFrom(r.Context()), d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"pending_lock_up": d.String()})
}

func (s *Server) applyLockUp(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Holding.SetSaveFundsLockUpTime(r.Context(), callerFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lock_up": s.vault.Holding.SaveFundsLockUp().String()})
}

type saveFundsRequest struct {
	Token string `json:"token"`
	To    string `json:"to"`
}

func (s *Server) startSaveFunds(w http.ResponseWriter, r *http.Request) {
	var req saveFundsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var p fieldParser
	token := p.parse("token", req.Token)
	to := p.parse("to", req.To)
	if p.err != nil {
		writeError(w, p.err)
		return
	}
	if err := s.vault.Holding.StartSaveFunds(r.Context(), callerFrom(r.Context()), token, to); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"token": token, "to": to})
}

func (s *Server) executeSaveFunds(w http.ResponseWriter, r *http.Request) {
	amount, err := s.vault.Holding.ExecuteSaveFunds(r.Context(), callerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": model.AmountString(amount)})
}
