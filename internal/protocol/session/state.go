package session

import "fmt"

// State is the lifecycle position of one Handle.
type State uint8

const (
	StateAbsent State = iota
	StateRequesting
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateRequesting:
		return "requesting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Kind selects which transport resource a Handle owns.
type Kind uint8

const (
	KindSubscription Kind = iota + 1
	KindPublication
)

func (k Kind) String() string {
	switch k {
	case KindSubscription:
		return "subscription"
	case KindPublication:
		return "publication"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}
