package chathub

// Client is the interface for one connected device of a user (e.g. a browser
// tab over WebSocket). It abstracts the transport so the hub can manage
// different client types uniformly.
type Client interface {
	// GetUserID returns the authenticated identity behind the connection.
	GetUserID() string
	// GetSessionID returns the unique id of this connection. One user may
	// have several sessions open at once.
	GetSessionID() string

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts down the connection and tears down every subscription.
	Close()
}
