package server

// State is one position in the server lifecycle. The order is total;
// Errored is terminal and reachable from every state before Ready.
type State int

const (
	Instanced State = iota
	Initializing
	Initialized
	Starting
	StartingConnected
	Started
	Ready
	Stopping
	Stopped
	Errored
)

// String returns the state's event name. Observers subscribe with these.
func (s State) String() string {
	switch s {
	case Instanced:
		return "instanced"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case Starting:
		return "starting"
	case StartingConnected:
		return "startingConnected"
	case Started:
		return "started"
	case Ready:
		return "ready"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Errored:
		return "error"
	}
	return "unknown"
}
