package device

import "time"

// OutputState is the device-reported state of one output (stream or record).
type OutputState string

const (
	OutputStarting OutputState = "starting"
	OutputStarted  OutputState = "started"
	OutputStopping OutputState = "stopping"
	OutputStopped  OutputState = "stopped"
)

// Active reports whether the output is running. "starting" counts as active so
// a session opens as soon as the encoder commits; "stopping" still counts as
// active because only the final stopped edge ends a recording.
func (s OutputState) Active() bool {
	return s == OutputStarting || s == OutputStarted || s == OutputStopping
}

// SignalType identifies a device signal.
type SignalType string

const (
	SignalConnected    SignalType = "device.connected"
	SignalDisconnected SignalType = "device.disconnected"
	SignalStreamState  SignalType = "stream.state"
	SignalRecordState  SignalType = "record.state"
	SignalError        SignalType = "device.error" // unrecoverable protocol failure
)

// Signal is one device lifecycle or output transition, delivered in emission
// order on a single channel. Output transitions are edge-triggered: the client
// only emits when the active flag actually flips, so duplicate started/stopped
// frames from the device never re-trigger side effects downstream.
type Signal struct {
	Type     SignalType
	Output   OutputState   // stream/record signals only
	Duration time.Duration // cumulative output duration as reported
	At       time.Time

	// Connected signals carry the output snapshot taken right after the
	// handshake, so a PAUSED session can decide whether to resume.
	StreamActive bool
	RecordActive bool

	// Error signals carry the failure for operator display.
	Message string
}

// Source delivers device signals in order. The session state machine is the
// single consumer.
type Source interface {
	Signals() <-chan Signal
}

// Querier answers point-in-time questions about the device. Any error means
// "unknown", never fatal: callers degrade to a null hint.
type Querier interface {
	RecordDirectory(timeout time.Duration) (string, error)
	LastRecordingPath(timeout time.Duration) (string, error)
}
