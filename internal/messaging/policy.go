package messaging

// Visible decides whether a thread may be shown to a viewer. It is the only
// visibility predicate in the codebase: list loading, realtime admission and
// search all go through it. Rules are evaluated in order; the first match wins.
func Visible(thread ThreadView, viewerRole Role, access Access) bool {
	if !viewerRole.Known() {
		return false
	}

	counterpart := thread.Counterpart
	if counterpart == nil || counterpart.ID == 0 {
		return false
	}

	switch {
	case counterpart.Role == RoleAdministrator:
		return true
	case access.AdministratorIDs.Contains(counterpart.ID):
		// Role tags on counterparts are sometimes missing or stale; the
		// administrators roster is checked independently of the tag.
		return true
	case counterpart.Role == RoleStaff:
		return true
	case counterpart.Role == RoleGuardian, counterpart.Role == RoleUnknown:
		return access.AllowsGuardian(counterpart.ID)
	default:
		return false
	}
}

// FilterVisible returns the threads Visible admits, preserving order.
func FilterVisible(threads []ThreadView, viewerRole Role, access Access) []ThreadView {
	out := make([]ThreadView, 0, len(threads))
	for _, thread := range threads {
		if Visible(thread, viewerRole, access) {
			out = append(out, thread)
		}
	}
	return out
}

// CanMessage applies the policy to a not-yet-existing thread with candidate.
func CanMessage(candidate RecipientCandidate, viewer Viewer, access Access) bool {
	if candidate.ID == viewer.ID {
		return false
	}
	return Visible(ThreadView{Counterpart: &Counterpart{
		ID:        candidate.ID,
		Role:      candidate.Role,
		FirstName: candidate.FirstName,
		LastName:  candidate.LastName,
		Email:     candidate.Email,
	}}, viewer.Role, access)
}
