package cm

import "fmt"

// State is the position of a server or client in connection setup.
type State int

const (
	Idle State = iota
	Listening
	ConnectRequestReceived
	Accepting
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case ConnectRequestReceived:
		return "connreq-received"
	case Accepting:
		return "accepting"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
