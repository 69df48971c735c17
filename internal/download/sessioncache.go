package download

import "crypto/tls"

// SessionTicketCache bounds 0-RTT TLS session ticket storage shared across
// every origin this process connects to, so a rerun against an
// already-visited origin can resume without a full handshake.
type SessionTicketCache struct {
	tls.ClientSessionCache
}

// NewSessionTicketCache creates a cache holding up to capacity session
// tickets. A non-positive capacity falls back to 64, matching
// DownloadConfig's default.
func NewSessionTicketCache(capacity int) *SessionTicketCache {
	if capacity <= 0 {
		capacity = 64
	}
	return &SessionTicketCache{ClientSessionCache: tls.NewLRUClientSessionCache(capacity)}
}
