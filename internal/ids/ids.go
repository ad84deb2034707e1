// Package ids mints the identifiers used across the daemon: time-ordered
// UUIDv7 values for sessions and alerts, and compact xids for subscriptions
// and stored objects.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// UUID returns a UUIDv7 string (time-ordered) or panics if generation fails.
func UUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Short returns a 20 character sortable identifier.
func Short() string {
	return xid.New().String()
}
