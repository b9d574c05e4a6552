package bridge

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPublishMode = errors.New("bridge: invalid publish mode")

// PublishMode selects which publication channels a publisher opens.
type PublishMode string

const (
	ModeNone PublishMode = "none"
	ModeIPC  PublishMode = "ipc"
	ModeUDP  PublishMode = "udp"
	ModeBoth PublishMode = "both"
)

func ParsePublishMode(s string) (PublishMode, error) {
	switch m := PublishMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeNone, ModeIPC, ModeUDP, ModeBoth:
		return m, nil
	case "":
		return ModeNone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPublishMode, s)
	}
}

// Targets expands the mode into publication targets on streamID.
func (m PublishMode) Targets(ipcChannel, udpChannel string, streamID int32) []Target {
	var out []Target
	if m == ModeIPC || m == ModeBoth {
		out = append(out, Target{Name: "ipc", Channel: ipcChannel, StreamID: streamID})
	}
	if m == ModeUDP || m == ModeBoth {
		out = append(out, Target{Name: "udp", Channel: udpChannel, StreamID: streamID})
	}
	return out
}
