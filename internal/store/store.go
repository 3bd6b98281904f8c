package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists every device the hub has ever seen, so status and custom
// names survive devices going away and restarts.
type Store interface {
	SaveDevice(dev *KnownDevice) error
	GetDevice(id string) (*KnownDevice, error)
	DeleteDevice(id string) error
	ListDevices() ([]*KnownDevice, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(id string, fn func(dev *KnownDevice) error) error

	// UpsertDevice is UpdateDevice that starts from a zero KnownDevice with the
	// given id when none is stored yet.
	UpsertDevice(id string, fn func(dev *KnownDevice) error) error

	Close() error
}
