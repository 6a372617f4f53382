package session

import "fmt"

// State is the lifecycle position of a session:
//
//	Uninitialized -> Active -> Warned -> Active   (activity)
//	                 Active|Warned -> Expired     (inactivity or absolute cap)
//	                 Active|Warned -> Destroyed   (logout, failed refresh)
type State int

const (
	Uninitialized State = iota
	Active
	Warned
	Expired
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Warned:
		return "warned"
	case Expired:
		return "expired"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether the session still accepts activity.
func (s State) Live() bool {
	return s == Active || s == Warned
}
