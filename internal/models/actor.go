package models

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRider, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller of a ride operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Recipient maps the actor onto its event-channel recipient type. Admins have
// no inbox.
func (a Actor) Recipient() (RecipientType, bool) {
	switch a.Role {
	case RoleRider:
		return RecipientRider, true
	case RoleDriver:
		return RecipientDriver, true
	}
	return "", false
}
