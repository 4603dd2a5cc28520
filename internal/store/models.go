package store

import "time"

// Action names recorded in the journal.
const (
	ActionTrust     = "trust"
	ActionPair      = "pair"
	ActionRefresh   = "refresh"
	ActionRemove    = "remove"
	ActionDiscovery = "discovery"
	ActionPower     = "power"
)

// Triggers distinguish automation from operator commands.
const (
	TriggerAuto = "auto"
	TriggerUser = "user"
)

// ActionRecord is one outbound call to the daemon and its result.
type ActionRecord struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Path    string    `json:"path,omitempty"`
	Address string    `json:"address,omitempty"`
	Action  string    `json:"action"`
	Trigger string    `json:"trigger"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
}

// AdapterState holds the adapter settings last requested by the operator, so
// they can be re-applied after a restart.
type AdapterState struct {
	Adapter     string    `json:"adapter"`
	Powered     bool      `json:"powered"`
	Pairable    bool      `json:"pairable"`
	Discovering bool      `json:"discovering"`
	UpdatedAt   time.Time `json:"updated_at"`
}
