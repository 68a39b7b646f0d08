package model

// ConnectionState is the forwarder's view of its upstream connection.
// It is owned exclusively by the forwarder worker; other components only
// observe it.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	ShutDown
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}
