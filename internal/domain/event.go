package domain

import (
	"strconv"
	"time"
)

// Event is a domain event that is delivered through the outbox.
type Event interface {
	AggregateType() string
	AggregateID() string
	EventType() string
	EventVersion() int
}

const occupancyAggregate = "Occupancy"

// SlotOccupied is emitted when a slot gets an occupancy.
type SlotOccupied struct {
	OccupancyID  string    `json:"occupancyId"`
	RestaurantID int64     `json:"restaurantId"`
	Date         string    `json:"date"`
	StartTime    string    `json:"startTime"`
	UserID       string    `json:"userId"`
	PartySize    int       `json:"partySize"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func (SlotOccupied) AggregateType() string { return occupancyAggregate }
func (e SlotOccupied) AggregateID() string { return slotAggregateID(e.RestaurantID, e.Date, e.StartTime) }
func (SlotOccupied) EventType() string { return "SlotOccupied" }
func (SlotOccupied) EventVersion() int { return 1 }

// SlotReleased is emitted when an occupancy is cancelled.
type SlotReleased struct {
	OccupancyID  string    `json:"occupancyId"`
	RestaurantID int64     `json:"restaurantId"`
	Date         string    `json:"date"`
	StartTime    string    `json:"startTime"`
	UserID       string    `json:"userId"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func (SlotReleased) AggregateType() string { return occupancyAggregate }
func (e SlotReleased) AggregateID() string { return slotAggregateID(e.RestaurantID, e.Date, e.StartTime) }
func (SlotReleased) EventType() string { return "SlotReleased" }
func (SlotReleased) EventVersion() int { return 1 }

// Events of one slot share the aggregate id so the broker keeps them ordered
// on one partition.
func slotAggregateID(restaurantID int64, date, startTime string) string {
	return strconv.FormatInt(restaurantID, 10) + ":" + date + ":" + startTime
}
