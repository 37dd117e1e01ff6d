package protocol

// DisconnectReason is why a server-side session ended. The set is closed;
// transports map whatever they observe onto one of these values.
type DisconnectReason string

const (
	// ReasonServerNamespaceDisconnect is a server-initiated disconnect after
	// which the client is expected to come back.
	ReasonServerNamespaceDisconnect DisconnectReason = "server namespace disconnect"
	// ReasonClientNamespaceDisconnect is a clean close requested by the client.
	ReasonClientNamespaceDisconnect DisconnectReason = "client namespace disconnect"
	ReasonTransportClose            DisconnectReason = "transport close"
	ReasonTransportError            DisconnectReason = "transport error"
	ReasonPingTimeout               DisconnectReason = "ping timeout"
	ReasonServerShuttingDown        DisconnectReason = "server shutting down"
	// ReasonSuperseded closes a connection whose identity was taken over by a
	// newer connection in the same room.
	ReasonSuperseded DisconnectReason = "superseded"
	// ReasonGraceExpired tears down a detached session that never came back.
	ReasonGraceExpired DisconnectReason = "reconnect grace expired"
)

// Disposition is the outcome of classifying a disconnect.
type Disposition int

const (
	// Terminal ends the logical session: membership is dropped and the room told.
	Terminal Disposition = iota
	// Transient keeps membership so a reconnecting client can resume.
	Transient
)

// String returns the disposition name.
func (d Disposition) String() string {
	if d == Transient {
		return "transient"
	}
	return "terminal"
}

// Classify decides whether a disconnect tears the session down.
// Only a server namespace disconnect is transient.
func Classify(reason DisconnectReason) Disposition {
	if reason == ReasonServerNamespaceDisconnect {
		return Transient
	}
	return Terminal
}

// ClientReason is why a client observed its connection drop.
type ClientReason string

const (
	ClientReasonServerDisconnect ClientReason = "io server disconnect"
	ClientReasonClientDisconnect ClientReason = "io client disconnect"
	ClientReasonTransportClose   ClientReason = "transport close"
	ClientReasonTransportError   ClientReason = "transport error"
	ClientReasonPingTimeout      ClientReason = "ping timeout"
	ClientReasonSuperseded       ClientReason = "superseded"
)

// ShouldReconnect reports whether a client should try to come back after reason.
func ShouldReconnect(reason ClientReason) bool {
	switch reason {
	case ClientReasonClientDisconnect, ClientReasonSuperseded:
		return false
	default:
		return true
	}
}

// ReconnectImmediately reports whether the client should re-dial without
// waiting out a backoff step.
func ReconnectImmediately(reason ClientReason) bool {
	return reason == ClientReasonServerDisconnect || reason == ClientReasonTransportClose
}

// Application close codes carried in WebSocket close frames.
const (
	CloseServerNamespaceDisconnect = 4000
	CloseSuperseded                = 4001
)

// CloseCodeFor returns the WebSocket close code the server sends for reason.
func CloseCodeFor(reason DisconnectReason) int {
	switch reason {
	case ReasonServerNamespaceDisconnect:
		return CloseServerNamespaceDisconnect
	case ReasonSuperseded:
		return CloseSuperseded
	case ReasonServerShuttingDown:
		return 1001
	default:
		return 1000
	}
}

// ClientReasonForCloseCode maps a close code received by a client onto the
// reason it reports.
func ClientReasonForCloseCode(code int) ClientReason {
	switch code {
	case CloseServerNamespaceDisconnect:
		return ClientReasonServerDisconnect
	case CloseSuperseded:
		return ClientReasonSuperseded
	default:
		return ClientReasonTransportClose
	}
}
