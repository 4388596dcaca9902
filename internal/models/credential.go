package models

import "time"

// Credential is the short-lived access token plus its expiry. It is replaced wholesale
// on every successful renewal, never mutated in place. Absence of a credential means
// unauthenticated.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TimeToExpiry reports how long until the credential expires. Negative when already
// expired; a zero ExpiresAt (a token restored from disk without its expiry) always
// reports as expired so the first use forces a renewal.
func (c Credential) TimeToExpiry(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}
