package realtime

// State 是连接的生命周期状态。
type State string

const (
	Disconnected   State = "disconnected"
	Authenticating State = "authenticating"
	Connected      State = "connected"
	Reconnecting   State = "reconnecting"
)

type trigger string

const (
	trDial  trigger = "dial"
	trOpen  trigger = "open"
	trRetry trigger = "retry"
	trStop  trigger = "stop"
)

// transitions 是完整的状态转移表；表中没有的组合视为非法。
var transitions = map[State]map[trigger]State{
	Disconnected: {
		trDial:  Authenticating,
		trRetry: Reconnecting,
		trStop:  Disconnected,
	},
	Authenticating: {
		trOpen:  Connected,
		trRetry: Reconnecting,
		trStop:  Disconnected,
	},
	Connected: {
		trRetry: Reconnecting,
		trStop:  Disconnected,
	},
	Reconnecting: {
		trDial:  Authenticating,
		trRetry: Reconnecting,
		trStop:  Disconnected,
	},
}

func transition(from State, t trigger) (State, bool) {
	to, ok := transitions[from][t]
	if !ok {
		return from, false
	}
	return to, true
}
