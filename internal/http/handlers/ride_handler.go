// README: Ride handlers for posting, search, updates, start codes and lifecycle transitions.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"rideshare/internal/modules/ride"
	"rideshare/internal/types"
)

type RideHandler struct {
	rides *ride.Service
}

func NewRideHandler(svc *ride.Service) *RideHandler {
	return &RideHandler{rides: svc}
}

type routeResponse struct {
	Distance        string `json:"distance"`
	DurationMinutes int    `json:"duration_minutes"`
}

type rideResponse struct {
	ID             types.ID       `json:"id"`
	OwnerID        types.ID       `json:"owner_id"`
	Origin         string         `json:"origin"`
	Destination    string         `json:"destination"`
	DepartureAt    time.Time      `json:"departure_at"`
	SeatsTotal     int            `json:"seats_total"`
	SeatsAvailable int            `json:"seats_available"`
	PricePerSeat   types.Money    `json:"price_per_seat"`
	Notes          string         `json:"notes,omitempty"`
	Status         ride.Status    `json:"status"`
	Route          *routeResponse `json:"route,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func toRideResponse(r *ride.Ride) rideResponse {
	out := rideResponse{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Origin:         r.Origin,
		Destination:    r.Destination,
		DepartureAt:    r.DepartureAt,
		SeatsTotal:     r.SeatsTotal,
		SeatsAvailable: r.SeatsAvailable,
		PricePerSeat:   r.PricePerSeat,
		Notes:          r.Notes,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Route != nil {
		out.Route = &routeResponse{Distance: r.Route.Distance, DurationMinutes: int(r.Route.Duration / time.Minute)}
	}
	return out
}

func toRideList(rs []*ride.Ride) []rideResponse {
	out := make([]rideResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, toRideResponse(r))
	}
	return out
}

type postRideReq struct {
	Origin       string    `json:"origin" binding:"required"`
	Destination  string    `json:"destination" binding:"required"`
	DepartureAt  time.Time `json:"departure_at" binding:"required"`
	Seats        int       `json:"seats" binding:"required"`
	PricePerSeat int64     `json:"price_per_seat"`
	Notes        string    `json:"notes"`
}

func (h *RideHandler) Post(c *gin.Context) {
	var req postRideReq
	if !bindJSON(c, &req) {
		return
	}
	r, err := h.rides.Post(c.Request.Context(), ride.PostCommand{
		OwnerID:      caller(c),
		Origin:       req.Origin,
		Destination:  req.Destination,
		DepartureAt:  req.DepartureAt,
		Seats:        req.Seats,
		PricePerSeat: req.PricePerSeat,
		Notes:        req.Notes,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toRideResponse(r))
}

func (h *RideHandler) Search(c *gin.Context) {
	q := ride.SearchQuery{
		Origin:      strings.TrimSpace(c.Query("origin")),
		Destination: strings.TrimSpace(c.Query("destination")),
	}
	if raw := c.Query("date"); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		q.Date = &d
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	q.Limit = limit
	rides, err := h.rides.Search(c.Request.Context(), q)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": toRideList(rides)})
}

func (h *RideHandler) Mine(c *gin.Context) {
	rides, err := h.rides.ListByOwner(c.Request.Context(), caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": toRideList(rides)})
}

func (h *RideHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

type updateRideReq struct {
	Origin       *string    `json:"origin"`
	Destination  *string    `json:"destination"`
	DepartureAt  *time.Time `json:"departure_at"`
	PricePerSeat *int64     `json:"price_per_seat"`
	Notes        *string    `json:"notes"`
	Seats        *int       `json:"seats"`
}

func (h *RideHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateRideReq
	if !bindJSON(c, &req) {
		return
	}
	if req.Seats != nil {
		writeError(c, http.StatusBadRequest, "seat capacity cannot be changed")
		return
	}
	r, err := h.rides.Update(c.Request.Context(), ride.UpdateCommand{
		RideID:       id,
		ActorID:      caller(c),
		Origin:       req.Origin,
		Destination:  req.Destination,
		DepartureAt:  req.DepartureAt,
		PricePerSeat: req.PricePerSeat,
		Notes:        req.Notes,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

func (h *RideHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.rides.Delete(c.Request.Context(), id, caller(c)); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RideHandler) IssueOTP(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	otp, err := h.rides.IssueOTP(c.Request.Context(), id, caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"code": otp.Code, "expires_at": otp.ExpiresAt})
}

type startRideReq struct {
	OTP string `json:"otp"`
}

func (h *RideHandler) Start(c *gin.Context) {
	var req startRideReq
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	h.transition(c, ride.StatusOngoing, strings.TrimSpace(req.OTP))
}

func (h *RideHandler) Complete(c *gin.Context) {
	h.transition(c, ride.StatusCompleted, "")
}

func (h *RideHandler) Cancel(c *gin.Context) {
	h.transition(c, ride.StatusCancelled, "")
}

func (h *RideHandler) transition(c *gin.Context, to ride.Status, otp string) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Transition(c.Request.Context(), ride.TransitionCommand{
		RideID:  id,
		ActorID: caller(c),
		To:      to,
		OTP:     otp,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRideResponse(r))
}

func (h *RideHandler) Bookings(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	bookings, err := h.rides.ListBookingsByRide(c.Request.Context(), id, caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bookings": toBookingList(bookings)})
}
