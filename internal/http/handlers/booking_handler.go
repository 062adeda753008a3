// README: Booking handlers; a booking is the rider's seat claim on a posted ride.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideshare/internal/modules/ride"
	"rideshare/internal/types"
)

type BookingHandler struct {
	rides *ride.Service
}

func NewBookingHandler(svc *ride.Service) *BookingHandler {
	return &BookingHandler{rides: svc}
}

type bookingResponse struct {
	ID          types.ID           `json:"id"`
	RideID      types.ID           `json:"ride_id"`
	RiderID     types.ID           `json:"rider_id"`
	SeatsBooked int                `json:"seats_booked"`
	TotalPrice  types.Money        `json:"total_price"`
	Status      ride.BookingStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
	CancelledBy *types.ID          `json:"cancelled_by,omitempty"`
}

func toBookingResponse(b *ride.Booking) bookingResponse {
	return bookingResponse{
		ID:          b.ID,
		RideID:      b.RideID,
		RiderID:     b.RiderID,
		SeatsBooked: b.SeatsBooked,
		TotalPrice:  b.TotalPrice,
		Status:      b.Status,
		CreatedAt:   b.CreatedAt,
		CancelledAt: b.CancelledAt,
		CancelledBy: b.CancelledBy,
	}
}

func toBookingList(bs []*ride.Booking) []bookingResponse {
	out := make([]bookingResponse, 0, len(bs))
	for _, b := range bs {
		out = append(out, toBookingResponse(b))
	}
	return out
}

type createBookingReq struct {
	RideID string `json:"ride_id" binding:"required"`
	Seats  int    `json:"seats" binding:"required"`
}

func (h *BookingHandler) Create(c *gin.Context) {
	var req createBookingReq
	if !bindJSON(c, &req) {
		return
	}
	rideID, ok := types.ParseID(req.RideID)
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid ride_id")
		return
	}
	b, err := h.rides.CreateBooking(c.Request.Context(), ride.CreateBookingCommand{
		RideID:  rideID,
		RiderID: caller(c),
		Seats:   req.Seats,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toBookingResponse(b))
}

func (h *BookingHandler) Mine(c *gin.Context) {
	bookings, err := h.rides.ListBookingsByRider(c.Request.Context(), caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bookings": toBookingList(bookings)})
}

func (h *BookingHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	b, err := h.rides.GetBooking(c.Request.Context(), id, caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingResponse(b))
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	b, err := h.rides.CancelBooking(c.Request.Context(), id, caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingResponse(b))
}
