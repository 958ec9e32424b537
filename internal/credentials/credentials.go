// Package credentials is the pairing-based credential manager: it mints
// short-lived single-use pairing codes, exchanges them for long-lived access
// tokens, and authenticates, rotates and revokes those tokens. Secrets are
// persisted only as salted digests; the plaintext of a code or token is
// returned exactly once, at mint time.
//
// Exactly one daemon process owns the credential file at a time. That
// single-owner rule is enforced by the daemon package's PID/liveness check,
// not by file locking here.
package credentials

import "time"

const (
	// storeFileName lives under the clawgate home directory.
	storeFileName = "credentials.json"

	// maxActiveTokens bounds the active set. When pairing or rotation would
	// exceed it, the oldest active tokens are dropped from the store
	// entirely, not just marked revoked.
	maxActiveTokens = 64

	defaultPairingTTL = 10 * time.Minute
	minPairingTTL     = 30 * time.Second

	maxLabelLen  = 80
	defaultLabel = "default"

	tokenPrefix = "cgt_"
)

// PairingCode is a stored pairing code. The plaintext never appears here;
// SecretHash is a salted digest. A code is live iff UsedAt is unset and the
// current time is before ExpiresAt. Consumption is permanent: once UsedAt is
// set the code is dead even if unexpired.
type PairingCode struct {
	ID         string     `json:"id"`
	SecretHash string     `json:"secretHash"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	UsedAt     *time.Time `json:"usedAt,omitempty"`
}

func (p PairingCode) live(now time.Time) bool {
	return p.UsedAt == nil && now.Before(p.ExpiresAt)
}

// AccessToken is a stored bearer credential. Active iff RevokedAt is unset.
// LastUsedAt is refreshed and persisted on every successful authentication.
type AccessToken struct {
	ID         string     `json:"id"`
	SecretHash string     `json:"secretHash"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

func (t AccessToken) active() bool {
	return t.RevokedAt == nil
}

// Client describes the owner of an access token, as surfaced to transports
// and the CLI. ID doubles as the client id used for revocation.
type Client struct {
	ID            string    `json:"id"`
	Label         string    `json:"label"`
	TokenIssuedAt time.Time `json:"tokenIssuedAt"`
}

// TokenGrant is the result of pairing-code consumption or token rotation:
// the plaintext token (shown once) plus its client descriptor.
type TokenGrant struct {
	Token  string `json:"token"`
	Client Client `json:"client"`
}

// PairingOffer is the result of creating a pairing code: the plaintext code
// (shown once) plus its label and expiry.
type PairingOffer struct {
	Code      string    `json:"code"`
	Label     string    `json:"label"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Summary is a read-only snapshot of the store.
type Summary struct {
	ActiveTokens        int        `json:"activeTokens"`
	PendingPairingCodes int        `json:"pendingPairingCodes"`
	LatestPairingExpiry *time.Time `json:"latestPairingExpiry,omitempty"`
}
