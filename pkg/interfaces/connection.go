package interfaces

// Connection is one realtime client attached to the server. Implementations
// must make WriteEvent safe for concurrent use; the websocket implementation
// does this with a single writer goroutine.
type Connection interface {
	// ID returns the server-assigned connection id. Connection ids are
	// volatile: a reconnect produces a new one.
	ID() string

	// WriteEvent sends an event envelope to the client.
	WriteEvent(event string, data interface{}) error

	// Close closes the connection and releases its resources. Safe to call
	// more than once.
	Close() error
}
