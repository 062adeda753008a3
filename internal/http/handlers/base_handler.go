// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"

	"rideshare/internal/http/middleware"
	"rideshare/internal/modules/chat"
	"rideshare/internal/modules/ride"
	"rideshare/internal/modules/sos"
	"rideshare/internal/modules/user"
	"rideshare/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

// writeServiceError maps module errors onto HTTP statuses. Unknown errors are
// recorded on the context for the access log and reported as "internal error".
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ride.ErrBadRequest),
		errors.Is(err, ride.ErrOwnRide),
		errors.Is(err, ride.ErrOTPRequired),
		errors.Is(err, user.ErrBadRequest),
		errors.Is(err, user.ErrInvalidResetToken),
		errors.Is(err, sos.ErrBadRequest),
		errors.Is(err, sos.ErrInvalidLocation),
		errors.Is(err, sos.ErrTooManyContacts),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, user.ErrInvalidCredentials):
		writeError(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ride.ErrNotOwner),
		errors.Is(err, ride.ErrNotAuthorized),
		errors.Is(err, chat.ErrNotMember):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrRideNotFound),
		errors.Is(err, ride.ErrBookingNotFound),
		errors.Is(err, user.ErrUserNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrRideNotPosted),
		errors.Is(err, ride.ErrInsufficientSeats),
		errors.Is(err, ride.ErrIllegalTransition),
		errors.Is(err, ride.ErrOTPInvalid),
		errors.Is(err, user.ErrEmailTaken):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, ride.ErrTooManyAttempts),
		errors.Is(err, chat.ErrRateLimited):
		writeError(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ride.ErrContention),
		errors.Is(err, ride.ErrConflict),
		errors.Is(err, context.DeadlineExceeded),
		unavailable(err):
		_ = c.Error(err)
		c.Header("Retry-After", "1")
		writeError(c, http.StatusServiceUnavailable, "service busy, retry")
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// unavailable reports storage and network failures a client can retry: lost or
// refused connections, timeouts, and server-side shutdown, resource or
// serialization errors.
func unavailable(err error) bool {
	if pgconn.Timeout(err) {
		return true
	}
	var retry interface{ SafeToRetry() bool }
	if errors.As(err, &retry) && retry.SafeToRetry() {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "40001", pgErr.Code == "40P01",
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// bindJSON decodes the body and writes a 400 on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	id, ok := types.ParseID(c.Param(name))
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

func caller(c *gin.Context) types.ID {
	return middleware.CallerUID(c)
}
