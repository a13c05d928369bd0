// Package dto defines HTTP request and response payloads.
package dto

import "reservation-service/internal/app/service"

// OccupyRequest is the body of POST /api/v1/occupancies.
type OccupyRequest struct {
	RestaurantID int64  `json:"restaurant_id" validate:"required,gt=0"`
	Date         string `json:"date" validate:"required,date"`
	StartTime    string `json:"start_time" validate:"required,clock"`
	UserID       string `json:"user_id" validate:"required,max=64"`
	PartySize    int    `json:"party_size" validate:"required,min=1,max=50"`
}

// ToCommand converts the request to a service command.
func (r OccupyRequest) ToCommand() service.OccupyCommand {
	return service.OccupyCommand{
		RestaurantID: r.RestaurantID,
		Date:         r.Date,
		StartTime:    r.StartTime,
		UserID:       r.UserID,
		PartySize:    r.PartySize,
	}
}

// CancelRequest carries the path and query of DELETE /api/v1/occupancies/:id.
type CancelRequest struct {
	OccupancyID string `json:"id" validate:"required,uuid"`
	UserID      string `json:"user_id" query:"user_id" validate:"required,max=64"`
}

// ToCommand converts the request to a service command.
func (r CancelRequest) ToCommand() service.CancelCommand {
	return service.CancelCommand{OccupancyID: r.OccupancyID, UserID: r.UserID}
}
