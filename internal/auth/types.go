package auth

// User is the identity the ledger acts for. It is carried in token claims,
// so no lookup is needed per request.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

const (
	RoleCustomer = "customer"
	RoleTeller   = "teller"
)
