package bus

// Topics published by the realtime client and chat controller.
const (
	TopicSessionUpdated    = "session.updated"
	TopicEnvelopeRejected  = "session.envelope_rejected"
	TopicConnectionChanged = "connection.changed"
	TopicHistoryRefreshed  = "history.refreshed"
	TopicConfigChanged     = "config.changed"
)

// SessionUpdatedEvent follows every envelope that changed session state.
type SessionUpdatedEvent struct {
	SessionID string
	Kind      string // envelope type that was applied
}

// EnvelopeRejectedEvent reports a frame that was malformed, carried an
// unknown type, or whose data failed to decode.
type EnvelopeRejectedEvent struct {
	SessionID string
	Type      string // empty for frames that never decoded
	Err       error
}

// ConnectionChangedEvent reports a realtime connection state transition.
// Old and New hold the string form of the state.
type ConnectionChangedEvent struct {
	SessionID string
	Old       string
	New       string
	Err       error
}

// HistoryRefreshedEvent is published after history loaded over HTTP has been
// applied.
type HistoryRefreshedEvent struct {
	SessionID string
	Tasks     int
	Steps     int
	Actions   int
}

// ConfigChangedEvent is published when config.yaml changes on disk.
type ConfigChangedEvent struct {
	Path string
}
