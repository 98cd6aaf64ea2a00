package auth

// Authorizer gates who may submit generations and who may credit balances.
// An empty allow list means every authenticated user may generate; the
// identity layer upstream is responsible for authentication itself.
type Authorizer struct {
	allowedIDs map[int64]bool
	adminIDs   map[int64]bool
}

func NewAuthorizer(allowed []int64, admins []int64) *Authorizer {
	allowedMap := make(map[int64]bool, len(allowed))
	for _, id := range allowed {
		allowedMap[id] = true
	}
	adminMap := make(map[int64]bool, len(admins))
	for _, id := range admins {
		adminMap[id] = true
	}
	return &Authorizer{allowedIDs: allowedMap, adminIDs: adminMap}
}

func (a *Authorizer) IsAuthorized(userID int64) bool {
	if len(a.allowedIDs) == 0 {
		return true
	}
	return a.allowedIDs[userID]
}

func (a *Authorizer) IsAdmin(userID int64) bool {
	return a.adminIDs[userID]
}

func (a *Authorizer) IsAllowed(userID int64) bool {
	return a.IsAuthorized(userID) || a.IsAdmin(userID)
}
