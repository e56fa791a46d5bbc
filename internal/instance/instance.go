// Package instance defines the Instance data model shared by the
// registry, query pipeline, and snapshot engine (spec §3).
package instance

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the Instance lifecycle. It advances monotonically except for
// the Ready <-> Busy oscillation.
type State string

const (
	Creating State = "Creating"
	Ready    State = "Ready"
	Busy     State = "Busy"
	Evicting State = "Evicting"
	Destroyed State = "Destroyed"
)

// Instance represents one logical database bound to one host container.
type Instance struct {
	ID       uuid.UUID
	Dialect  string
	HostID   uuid.UUID // Container Pool's HostContainer.ID
	DBName   string
	User     string
	Password string

	State State

	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time

	ForkedFrom *uuid.UUID
	SizeBytes  int64
	ReadOnly   bool
}

// CredentialsFor derives the deterministic db_<hex> name and u_<hex>
// scoped user from an identifier, per spec §3, plus a freshly generated
// random password.
func CredentialsFor(id uuid.UUID) (dbName, user, password string) {
	hex := strings.ReplaceAll(id.String(), "-", "")[:12]
	dbName = "db_" + hex
	user = "u_" + hex
	password = uuid.New().String()
	return
}

// Status maps internal state to the external vocabulary spec §8's
// scenarios expect ("running" rather than "Ready"/"Busy", "destroying"
// for Evicting per spec §9's Open Questions resolution).
func (i *Instance) Status() string {
	switch i.State {
	case Creating:
		return "creating"
	case Ready, Busy:
		return "running"
	case Evicting:
		return "destroying"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
