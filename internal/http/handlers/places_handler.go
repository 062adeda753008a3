// README: Place autocomplete handler, registered only when a Maps key is configured.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideshare/internal/maps"
)

type PlaceSearcher interface {
	Autocomplete(ctx context.Context, input string) ([]maps.Place, error)
}

type PlacesHandler struct {
	places PlaceSearcher
}

func NewPlacesHandler(places PlaceSearcher) *PlacesHandler {
	return &PlacesHandler{places: places}
}

func (h *PlacesHandler) Autocomplete(c *gin.Context) {
	input := c.Query("input")
	if input == "" {
		writeError(c, http.StatusBadRequest, "input is required")
		return
	}
	places, err := h.places.Autocomplete(c.Request.Context(), input)
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusBadGateway, "place search unavailable")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"places": places})
}
