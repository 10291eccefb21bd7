package tunnel

import "time"

// Spec-mandated QUIC keepalive/idle parameters: the server
// side tolerates a much longer idle window than the client, since a Node
// may sit quiet between proxy sessions while a Client is expected to
// reconnect promptly on loss.
const (
	quicServerMaxIdleTimeout = 600 * time.Second
	quicClientMaxIdleTimeout = 60 * time.Second
	quicKeepAlivePeriod      = 5 * time.Second
	quicMaxIncomingUniStreams = 100
)

// QUICOptions are server-side QUIC settings.
//
// If CertFile/KeyFile are empty, a Node generates a self-signed certificate
// at startup.
type QUICOptions struct {
	CertFile string
	KeyFile  string

	// NextProtos is used for ALPN. If empty, a package default is used.
	NextProtos []string
}

// QUICDialOptions are client-side QUIC settings.
type QUICDialOptions struct {
	ServerName string

	// InsecureSkipVerify allows connecting to a server with a self-signed
	// certificate. Convenient for LAN/homelab deployments.
	InsecureSkipVerify bool

	// NextProtos is used for ALPN. If empty, a package default is used.
	NextProtos []string
}
