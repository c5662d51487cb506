package common

import (
	"errors"
	"sync"

	"stablecore/crypto"
)

// ErrUnauthorized is returned when a caller lacks the role required for a
// privileged entry point.
var ErrUnauthorized = errors.New("unauthorized")

// Role names a capability that a policy may grant to an address.
type Role string

const (
	// RoleGuardian may pause modules, post prices and tune risk parameters.
	RoleGuardian Role = "guardian"
	// RoleMinter may mint and burn the stable token.
	RoleMinter Role = "minter"
)

// Policy answers whether an address holds a role. Components hold a policy
// reference injected at construction rather than consulting global state.
type Policy interface {
	Allow(role Role, addr crypto.Address) bool
}

// Authorize is the common precondition helper for privileged operations.
func Authorize(p Policy, role Role, addr crypto.Address) error {
	if p == nil || !p.Allow(role, addr) {
		return ErrUnauthorized
	}
	return nil
}

// RoleTable is a concrete Policy backed by an explicit grant table.
type RoleTable struct {
	mu     sync.RWMutex
	grants map[Role]map[string]struct{}
}

// NewRoleTable returns an empty grant table.
func NewRoleTable() *RoleTable {
	return &RoleTable{grants: make(map[Role]map[string]struct{})}
}

// Grant records that the address holds the role.
func (t *RoleTable) Grant(role Role, addr crypto.Address) {
	if t == nil || addr.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	holders, ok := t.grants[role]
	if !ok {
		holders = make(map[string]struct{})
		t.grants[role] = holders
	}
	holders[string(addr.Bytes())] = struct{}{}
}

// Revoke removes the role from the address.
func (t *RoleTable) Revoke(role Role, addr crypto.Address) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if holders, ok := t.grants[role]; ok {
		delete(holders, string(addr.Bytes()))
	}
}

// Allow implements Policy.
func (t *RoleTable) Allow(role Role, addr crypto.Address) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	holders, ok := t.grants[role]
	if !ok {
		return false
	}
	_, ok = holders[string(addr.Bytes())]
	return ok
}
