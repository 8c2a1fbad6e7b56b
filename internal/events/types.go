package events

// Event enumerates high-level topics inside the bridge.
type Event string

const (
	EventExecutionSubmitted Event = "execution.submitted"
	EventExecutionExecuted  Event = "execution.executed"
	EventExecutionFailed    Event = "execution.failed"
	// EventExecutionRejected carries the rejection reason string.
	EventExecutionRejected Event = "execution.rejected"
	EventExecutionClosed   Event = "execution.closed"
	EventConnectionUp      Event = "connection.up"
	EventConnectionDown    Event = "connection.down"
	// EventTerminalReconnected fires when an account that connected
	// before registers a fresh link.
	EventTerminalReconnected Event = "connection.reconnected"
	// EventDecodeError carries the account id that sent the bad frame.
	EventDecodeError Event = "wire.decode_error"
	EventRiskAlert   Event = "risk.alert"
)
