// Package registry resolves patients to a dispatchable contact.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const DefaultTimeZone = "Asia/Kolkata"

var (
	ErrUnknownPatient = errors.New("registry: unknown patient")
	ErrAddressFormat  = errors.New("registry: contact is not addressable")
	ErrBadZone        = errors.New("registry: invalid time zone")
)

// Patient is a registry row.
type Patient struct {
	ID        int64     `json:"id"`
	FullName  string    `json:"full_name"`
	TimeZone  string    `json:"time_zone"`
	Contact   string    `json:"contact"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is a normalized address plus the owner's zone.
type Contact struct {
	Address  string
	TimeZone string
	Location *time.Location
}

// Lookup returns raw patient rows. Implemented by every storage driver.
type Lookup interface {
	Patient(ctx context.Context, id int64) (Patient, error)
}

// Normalizer turns a raw contact into the channel's address format.
type Normalizer interface {
	Normalize(raw string) (string, error)
}

// Registry joins a Lookup with the active channel's Normalizer.
type Registry struct {
	lookup Lookup
	norm   Normalizer
}

func New(lookup Lookup, norm Normalizer) *Registry {
	return &Registry{lookup: lookup, norm: norm}
}

// Contact returns the normalized contact of ownerID. Errors wrapping
// ErrAddressFormat mean the owner cannot be reached through this channel.
func (r *Registry) Contact(ctx context.Context, ownerID int64) (Contact, error) {
	p, err := r.lookup.Patient(ctx, ownerID)
	if err != nil {
		return Contact{}, err
	}
	loc, err := LoadZone(p.TimeZone)
	if err != nil {
		return Contact{}, err
	}
	addr := strings.TrimSpace(p.Contact)
	if r.norm != nil {
		addr, err = r.norm.Normalize(addr)
		if err != nil {
			return Contact{}, fmt.Errorf("%w: patient %d: %v", ErrAddressFormat, ownerID, err)
		}
	}
	if addr == "" {
		return Contact{}, fmt.Errorf("%w: patient %d has no contact", ErrAddressFormat, ownerID)
	}
	return Contact{Address: addr, TimeZone: loc.String(), Location: loc}, nil
}

// LoadZone resolves an IANA zone name; empty means DefaultTimeZone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTimeZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadZone, name, err)
	}
	return loc, nil
}
