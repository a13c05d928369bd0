// Package domain contains the core business entities and rules.
// This package has no external dependencies (only stdlib).
package domain

import (
	"errors"
	"fmt"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

var (
	ErrSlotAlreadyOccupied = errors.New("slot already occupied")
	ErrOccupancyNotFound   = errors.New("occupancy not found")
	ErrNotOccupant         = errors.New("occupancy belongs to another user")
	ErrInvalidSlot         = errors.New("invalid slot")
)

// Slot is one bookable time slot of a restaurant. It is the unit of mutual
// exclusion: at most one occupancy exists per slot.
type Slot struct {
	RestaurantID int64
	Date         time.Time // midnight UTC of the day
	StartTime    time.Time // clock time on 0000-01-01 UTC
}

// ParseSlot builds a Slot from a "2006-01-02" date and a "15:04" start time.
func ParseSlot(restaurantID int64, date, startTime string) (Slot, error) {
	if restaurantID <= 0 {
		return Slot{}, fmt.Errorf("%w: restaurant id must be positive", ErrInvalidSlot)
	}

	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: date %q", ErrInvalidSlot, date)
	}

	st, err := time.Parse(ClockLayout, startTime)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: start time %q", ErrInvalidSlot, startTime)
	}

	return Slot{RestaurantID: restaurantID, Date: d, StartTime: st}, nil
}

// DateString returns the slot date as 2006-01-02.
func (s Slot) DateString() string { return s.Date.Format(DateLayout) }

// ClockString returns the start time as 15:04.
func (s Slot) ClockString() string { return s.StartTime.Format(ClockLayout) }

func (s Slot) String() string {
	return fmt.Sprintf("%d/%s/%s", s.RestaurantID, s.DateString(), s.ClockString())
}

// Occupancy marks a slot as taken by a user.
type Occupancy struct {
	ID        string
	Slot      Slot
	UserID    string
	PartySize int
	CreatedAt time.Time
}

// NewOccupancy creates an unsaved occupancy. The ID is assigned on insert.
func NewOccupancy(slot Slot, userID string, partySize int) *Occupancy {
	return &Occupancy{
		Slot:      slot,
		UserID:    userID,
		PartySize: partySize,
		CreatedAt: time.Now().UTC(),
	}
}

// OccupiedEvent describes the occupancy for the outbox.
func (o *Occupancy) OccupiedEvent() SlotOccupied {
	return SlotOccupied{
		OccupancyID:  o.ID,
		RestaurantID: o.Slot.RestaurantID,
		Date:         o.Slot.DateString(),
		StartTime:    o.Slot.ClockString(),
		UserID:       o.UserID,
		PartySize:    o.PartySize,
		OccurredAt:   o.CreatedAt,
	}
}

// ReleasedEvent describes the cancellation of the occupancy.
func (o *Occupancy) ReleasedEvent(at time.Time) SlotReleased {
	return SlotReleased{
		OccupancyID:  o.ID,
		RestaurantID: o.Slot.RestaurantID,
		Date:         o.Slot.DateString(),
		StartTime:    o.Slot.ClockString(),
		UserID:       o.UserID,
		OccurredAt:   at,
	}
}
