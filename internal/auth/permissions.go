package auth

import "context"

const (
	PermAccountsRead  = "ledger.accounts.read"
	PermMoveFunds     = "ledger.funds.move"
	PermDeposit       = "ledger.funds.deposit"
	PermStreamNotices = "ledger.notifications.stream"
)

var rolePermissions = map[string][]string{
	RoleCustomer: {PermAccountsRead, PermMoveFunds, PermStreamNotices},
	RoleTeller:   {PermAccountsRead, PermDeposit},
}

// HasPermission reports whether any role in ctx grants perm.
func HasPermission(ctx context.Context, perm string) bool {
	for _, role := range RolesFromContext(ctx) {
		for _, p := range rolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}
