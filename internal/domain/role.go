package domain

// Role distinguishes clients that may mutate the master playback state
// from those that only follow it.
type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleViewer
}

// CanControl reports whether the role may issue state-mutating commands.
func (r Role) CanControl() bool {
	return r == RoleOperator
}
