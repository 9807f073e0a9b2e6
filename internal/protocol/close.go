package protocol

// CloseCode is a WebSocket close status code as used by this protocol.
type CloseCode uint16

const (
	// CloseNormal marks an intentional close: manual logout or eviction by a
	// newer connection of the same user.
	CloseNormal CloseCode = 1000
	// CloseGoingAway is sent on server shutdown.
	CloseGoingAway CloseCode = 1001
	// CloseAbnormal is never sent on the wire; it reports a connection that
	// dropped without a close frame.
	CloseAbnormal CloseCode = 1006
	// ClosePolicyViolation rejects an unauthenticated upgrade or terminates
	// a blocked account.
	ClosePolicyViolation CloseCode = 1008
	// CloseInternalError reports a server-side failure.
	CloseInternalError CloseCode = 1011
)

// SuppressesReconnect reports whether a client must stay disconnected after
// receiving code.
func (c CloseCode) SuppressesReconnect() bool {
	return c == CloseNormal || c == ClosePolicyViolation
}

// Sendable reports whether code may appear in a close frame.
func (c CloseCode) Sendable() bool {
	return c != CloseAbnormal && c != 0
}
