package store

import "time"

// Status is the reachability of a known device.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// KnownDevice is the persisted record of a device reported by any source.
type KnownDevice struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CustomName   string    `json:"custom_name,omitempty"`
	Source       string    `json:"source"`
	Status       Status    `json:"status"`
	Capabilities []string  `json:"capabilities,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// DisplayName prefers the user-assigned name.
func (d *KnownDevice) DisplayName() string {
	if d.CustomName != "" {
		return d.CustomName
	}
	return d.Name
}
