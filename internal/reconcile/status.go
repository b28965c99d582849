package reconcile

import (
	"time"

	"github.com/agentworkforce/partsync/internal/inventory"
)

// Connectivity is the engine's view of the remote store.
type Connectivity string

const (
	Connected         Connectivity = "CONNECTED"
	ConnectivityError Connectivity = "ERROR"
	Offline           Connectivity = "OFFLINE"
)

type Status struct {
	Connectivity         Connectivity `json:"connectivity"`
	SyncingWrite         bool         `json:"isSyncingWrite"`
	InflightWrites       int          `json:"inflightWrites"`
	LastUserActionAt     *time.Time   `json:"lastUserActionAt,omitempty"`
	LastSyncAt           *time.Time   `json:"lastSyncAt,omitempty"`
	LastError            string       `json:"lastError,omitempty"`
	PendingConfirmations int          `json:"pendingConfirmations"`
	ActiveCount          int          `json:"activeCount"`
	SalesCount           int          `json:"salesCount"`
	Mode                 ResyncMode   `json:"mode"`
}

// Snapshot is a deep copy of both collections taken under one lock.
type Snapshot struct {
	Active []inventory.Item `json:"activeInventory"`
	Sales  []inventory.Item `json:"salesHistory"`
	Status Status           `json:"status"`
}

type ChangeKind string

const (
	ChangeMutation ChangeKind = "mutation"
	ChangeResync   ChangeKind = "resync"
	ChangeStatus   ChangeKind = "status"
	ChangeCleared  ChangeKind = "cleared"
)

// Change is published to subscribers after every state transition.
type Change struct {
	Kind   ChangeKind       `json:"kind"`
	Action inventory.Action `json:"action,omitempty"`
	IDs    []string         `json:"ids,omitempty"`
	Status Status           `json:"status"`
	At     time.Time        `json:"at"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t
	return &v
}
