package realtime

// State 实时通道状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateOffline      // 传输层报错断开
	StateClosed       // 对端正常关闭
	StateReconnecting // 等待或正在重连
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// transitions 允许的状态迁移
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateOffline, StateClosed, StateReconnecting, StateDisconnected},
	StateOffline:      {StateReconnecting, StateDisconnected},
	StateClosed:       {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateReconnecting, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
