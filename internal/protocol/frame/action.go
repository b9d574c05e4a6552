package frame

import "fmt"

// Action is the signal kind carried at offset 6.
type Action uint16

const (
	ActionLongEntry1    Action = 1
	ActionLongEntry2    Action = 2
	ActionShortEntry1   Action = 3
	ActionShortEntry2   Action = 4
	ActionLongExit      Action = 5
	ActionShortExit     Action = 6
	ActionLongStopLoss  Action = 7
	ActionShortStopLoss Action = 8
	ActionProfitTarget  Action = 9
)

func (a Action) IsLongEntry() bool {
	return a == ActionLongEntry1 || a == ActionLongEntry2
}

func (a Action) IsShortEntry() bool {
	return a == ActionShortEntry1 || a == ActionShortEntry2
}

// IsEntry reports whether the action opens a position. Only entries are bridged.
func (a Action) IsEntry() bool {
	return a.IsLongEntry() || a.IsShortEntry()
}

func (a Action) String() string {
	switch a {
	case ActionLongEntry1:
		return "long_entry_1"
	case ActionLongEntry2:
		return "long_entry_2"
	case ActionShortEntry1:
		return "short_entry_1"
	case ActionShortEntry2:
		return "short_entry_2"
	case ActionLongExit:
		return "long_exit"
	case ActionShortExit:
		return "short_exit"
	case ActionLongStopLoss:
		return "long_stop_loss"
	case ActionShortStopLoss:
		return "short_stop_loss"
	case ActionProfitTarget:
		return "profit_target"
	default:
		return fmt.Sprintf("action(%d)", uint16(a))
	}
}
