// README: SOS alerts (append-only) and per-user emergency contact profiles.
package sos

import (
	"errors"
	"time"

	"rideshare/internal/types"
)

var (
	ErrBadRequest      = errors.New("bad request")
	ErrInvalidLocation = errors.New("location out of range")
	ErrTooManyContacts = errors.New("too many emergency contacts")
	ErrProfileNotFound = errors.New("sos profile not found")
)

type Alert struct {
	ID        types.ID     `json:"id"`
	UserID    types.ID     `json:"user_id"`
	RideID    *types.ID    `json:"ride_id,omitempty"`
	Location  *types.Point `json:"location,omitempty"`
	Message   string       `json:"message"`
	Contacts  []string     `json:"contacts"`
	CreatedAt time.Time    `json:"created_at"`
}

type Profile struct {
	UserID    types.ID  `json:"user_id"`
	Contacts  []string  `json:"contacts"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TriggerCommand struct {
	RideID   *types.ID
	Location *types.Point
	Message  string
}
