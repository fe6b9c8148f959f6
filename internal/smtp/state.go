package smtp

// State is the position of a Session in the submission sequence.
type State int

const (
	// StateConnected: transport open, greeting not yet accepted.
	StateConnected State = iota
	// StateGreetingOK: the relay answered 220.
	StateGreetingOK
	// StateEhloOK: the relay accepted EHLO on the current transport.
	StateEhloOK
	// StateTLSReady: the relay accepted STARTTLS; handshake pending.
	StateTLSReady
	// StateTLSNegotiated: handshake done, EHLO not yet repeated.
	StateTLSNegotiated
	// StateReadyToSend: handshake (and optional TLS/AUTH) complete.
	StateReadyToSend
	// StateMessageSent: the relay accepted the message data.
	StateMessageSent
	// StateClosed: the transport has been released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateGreetingOK:
		return "GreetingOk"
	case StateEhloOK:
		return "EhloOk"
	case StateTLSReady:
		return "TlsReady"
	case StateTLSNegotiated:
		return "TlsNegotiated"
	case StateReadyToSend:
		return "ReadyToSend"
	case StateMessageSent:
		return "MessageSent"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Security describes the transport currently under the session.
type Security int

const (
	PlainText Security = iota
	TLSUpgraded
)

func (s Security) String() string {
	if s == TLSUpgraded {
		return "tls"
	}
	return "plaintext"
}
