package perps

import "sync"

// Role names privileged capabilities. Each role is independently
// assignable to exactly one account identifier.
type Role int

const (
	// RoleOwner may assign roles, configure assets, and withdraw
	// accrued protocol fees.
	RoleOwner Role = iota
	// RoleController may invoke the ledger's lock/unlock/settle
	// operations. Held by the position engine.
	RoleController
	// RoleRelayer may invoke the engine's on-behalf-of entry points
	// after verifying a delegate signature.
	RoleRelayer
	// RoleKeeper may invoke trigger execution and batch processing.
	RoleKeeper
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleController:
		return "controller"
	case RoleRelayer:
		return "relayer"
	case RoleKeeper:
		return "keeper"
	default:
		return "unknown"
	}
}

// RoleTable maps roles to account identifiers. The zero value grants
// nothing; the deployer seeds RoleOwner and assigns the rest.
type RoleTable struct {
	mu      sync.RWMutex
	holders map[Role]string
}

// NewRoleTable creates a role table with the given owner.
func NewRoleTable(owner string) *RoleTable {
	return &RoleTable{holders: map[Role]string{RoleOwner: owner}}
}

// Grant assigns a role. Only the owner may grant.
func (t *RoleTable) Grant(caller string, role Role, holder string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holders[RoleOwner] != caller {
		return ErrUnauthorized
	}
	t.holders[role] = holder
	return nil
}

// Check returns ErrUnauthorized unless caller holds the role.
func (t *RoleTable) Check(role Role, caller string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if caller == "" || t.holders[role] != caller {
		return ErrUnauthorized
	}
	return nil
}

// Holder returns the current holder of a role.
func (t *RoleTable) Holder(role Role) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.holders[role]
}
