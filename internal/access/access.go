package access

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"liquidityVault/internal/vaulterr"
)

// Role names a capability holder.
type Role string

const (
	RoleOwner          Role = "OWNER"
	RoleVault          Role = "MOSAIC_VAULT"
	RoleRebalancingBot Role = "REBALANCING_BOT"
	RoleRelayer        Role = "RELAYER"
)

// ID returns the keccak256 role identifier.
func (r Role) ID() common.Hash {
	return crypto.Keccak256Hash([]byte(r))
}

// uniqueRoles can only be held by one account at a time.
var uniqueRoles = map[Role]bool{
	RoleVault:          true,
	RoleRebalancingBot: true,
}

// Operation tags a permission-checked entry point.
type Operation string

const (
	OpWhitelistToken     Operation = "whitelist_token"
	OpRemoveWhitelist    Operation = "remove_whitelist"
	OpSetRemoteMapping   Operation = "set_remote_mapping"
	OpPauseNetwork       Operation = "pause_network"
	OpSetFees            Operation = "set_fees"
	OpSetVaultConfig     Operation = "set_vault_config"
	OpManageRoles        Operation = "manage_roles"
	OpRelease            Operation = "release"
	OpInvest             Operation = "invest"
	OpWithdrawInvestment Operation = "withdraw_investment"
	OpClaimRewards       Operation = "claim_rewards"
	OpRebalance          Operation = "rebalance"
	OpSaveFunds          Operation = "save_funds"
	OpSettleWithdrawal   Operation = "settle_withdrawal"
	OpFinalizeWithdrawal Operation = "finalize_withdrawal"
)

var defaultPolicy = map[Operation][]Role{
	OpWhitelistToken:     {RoleOwner},
	OpRemoveWhitelist:    {RoleOwner},
	OpSetRemoteMapping:   {RoleOwner},
	OpPauseNetwork:       {RoleOwner},
	OpSetFees:            {RoleOwner},
	OpSetVaultConfig:     {RoleOwner},
	OpManageRoles:        {RoleOwner},
	OpRelease:            {RoleOwner, RoleVault},
	OpInvest:             {RoleOwner},
	OpWithdrawInvestment: {RoleOwner},
	OpClaimRewards:       {RoleOwner},
	OpRebalance:          {RoleRebalancingBot},
	OpSaveFunds:          {RoleOwner},
	OpSettleWithdrawal:   {RoleOwner, RoleRelayer},
	OpFinalizeWithdrawal: {RoleOwner, RoleRelayer},
}

// Authorizer holds role membership and answers permission checks.
type Authorizer struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
	policy  map[Operation][]Role
	logger  *zap.Logger
}

func NewAuthorizer(owner common.Address, logger *zap.Logger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authorizer{
		members: make(map[Role]map[common.Address]struct{}),
		policy:  make(map[Operation][]Role, len(defaultPolicy)),
		logger:  logger,
	}
	for op, roles := range defaultPolicy {
		a.policy[op] = append([]Role(nil), roles...)
	}
	if owner != (common.Address{}) {
		a.grantLocked(RoleOwner, owner)
	}
	return a
}

// Check allows caller to perform op when it holds any role the policy lists.
func (a *Authorizer) Check(op Operation, caller common.Address) error {
	if a == nil {
		return vaulterr.Wrapf(vaulterr.ErrPermissions, "no authorizer")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	roles, ok := a.policy[op]
	if !ok {
		return vaulterr.Wrapf(vaulterr.ErrPermissions, "unknown operation %s", op)
	}
	for _, role := range roles {
		if _, ok := a.members[role][caller]; ok {
			return nil
		}
	}
	a.logger.Debug("permission denied", zap.String("op", string(op)), zap.String("caller", caller.Hex()))
	return vaulterr.Wrapf(vaulterr.ErrPermissions, "%s not allowed for %s", op, caller.Hex())
}

// HasRole reports membership.
func (a *Authorizer) HasRole(role Role, account common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.members[role][account]
	return ok
}

// Grant adds account to role. Unique roles replace their previous holder.
func (a *Authorizer) Grant(role Role, account common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uniqueRoles[role] {
		delete(a.members, role)
	}
	a.grantLocked(role, account)
	a.logger.Info("role granted", zap.String("role", string(role)), zap.String("account", account.Hex()))
}

// Revoke removes account from role. The last owner cannot be revoked.
func (a *Authorizer) Revoke(role Role, account common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if role == RoleOwner && len(a.members[RoleOwner]) <= 1 {
		return vaulterr.Wrapf(vaulterr.ErrPermissions, "cannot revoke last owner")
	}
	delete(a.members[role], account)
	a.logger.Info("role revoked", zap.String("role", string(role)), zap.String("account", account.Hex()))
	return nil
}

// Holders lists the accounts holding role, sorted for stable output.
func (a *Authorizer) Holders(role Role) []common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]common.Address, 0, len(a.members[role]))
	for account := range a.members[role] {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// ParseRole maps a role name to a Role.
func ParseRole(name string) (Role, bool) {
	switch Role(name) {
	case RoleOwner, RoleVault, RoleRebalancingBot, RoleRelayer:
		return Role(name), true
	}
	return "", false
}

func (a *Authorizer) grantLocked(role Role, account common.Address) {
	set, ok := a.members[role]
	if !ok {
		set = make(map[common.Address]struct{})
		a.members[role] = set
	}
	set[account] = struct{}{}
}
