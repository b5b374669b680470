package domain

// LocalID is the display identifier a participant is known by inside one
// live session. It never leaves the session it was issued for.
type LocalID string

// Member is the per-session view of a user.
// No transport or lifecycle logic here.
type Member struct {
	UserID  UserID
	LocalID LocalID
	Name    string
}

func NewMember(uid UserID, local LocalID, name string) *Member {
	return &Member{UserID: uid, LocalID: local, Name: name}
}
