package vault

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Role names a capability required by privileged engine operations.
type Role string

const (
	// RoleAdmin may replace rate models, risk parameters, the senior rate,
	// the reserve ratio and the pause flag.
	RoleAdmin Role = "admin"
	// RoleOperator may execute loan lifecycle transitions: purchase,
	// repayment, expiry and liquidation settlement.
	RoleOperator Role = "operator"
)

// Policy decides whether an acting address holds a role. It is deliberately
// decoupled from the accounting logic so deployments can swap in their own
// access control.
type Policy interface {
	Authorize(actor common.Address, role Role) error
}

// StaticPolicy is a fixed in-memory role table.
type StaticPolicy struct {
	mu    sync.RWMutex
	roles map[Role]map[common.Address]struct{}
}

// NewStaticPolicy constructs an empty role table.
func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{roles: make(map[Role]map[common.Address]struct{})}
}

// Grant adds the actor to the role.
func (p *StaticPolicy) Grant(actor common.Address, role Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.roles[role]
	if !ok {
		members = make(map[common.Address]struct{})
		p.roles[role] = members
	}
	members[actor] = struct{}{}
}

// Revoke removes the actor from the role.
func (p *StaticPolicy) Revoke(actor common.Address, role Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if members, ok := p.roles[role]; ok {
		delete(members, actor)
	}
}

// Authorize implements Policy.
func (p *StaticPolicy) Authorize(actor common.Address, role Role) error {
	if p == nil {
		return ErrUnauthorized
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if members, ok := p.roles[role]; ok {
		if _, ok := members[actor]; ok {
			return nil
		}
	}
	return ErrUnauthorized
}

// ParseRole normalizes a role name, returning false for unknown roles.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleOperator:
		return RoleOperator, true
	}
	return "", false
}
