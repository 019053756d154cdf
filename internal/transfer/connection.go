package transfer

// Caller is whatever issued a request. Only some callers are connections.
type Caller interface {
	RemoteAddr() string
}

// Connection is a long-lived caller that can tell us when it goes away.
type Connection interface {
	Caller
	// ID is unique for the lifetime of the process.
	ID() string
	// PushCloseHandler registers fn to run once the connection has closed.
	PushCloseHandler(fn func())
}

// ConnectionOf reports whether caller carries a connection identity.
func ConnectionOf(caller Caller) (Connection, bool) {
	if caller == nil {
		return nil, false
	}
	conn, ok := caller.(Connection)
	return conn, ok
}
