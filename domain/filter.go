package domain

// Filter selects the tasks a subscription observes.
type Filter struct {
	// OwnerID restricts the set to one user's tasks. Ignored when All is set.
	OwnerID string
	// All spans every user's tasks (demo mode).
	All bool
}

// OwnedBy scopes a filter to a single owner.
func OwnedBy(ownerID string) Filter { return Filter{OwnerID: ownerID} }

// AllTasks spans every owner.
func AllTasks() Filter { return Filter{All: true} }

// Matches reports whether a task owned by ownerID belongs to the filtered set.
func (f Filter) Matches(ownerID string) bool {
	return f.All || f.OwnerID == ownerID
}

// Key identifies the filter in caches and logs.
func (f Filter) Key() string {
	if f.All {
		return "all"
	}
	return "owner:" + f.OwnerID
}
