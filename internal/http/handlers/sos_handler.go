// README: SOS handlers; emergency contact profile and alert trigger.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rideshare/internal/modules/sos"
	"rideshare/internal/types"
)

type SOSHandler struct {
	sos *sos.Service
}

func NewSOSHandler(svc *sos.Service) *SOSHandler {
	return &SOSHandler{sos: svc}
}

func (h *SOSHandler) GetProfile(c *gin.Context) {
	p, err := h.sos.GetProfile(c.Request.Context(), caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

type saveProfileReq struct {
	Contacts []string `json:"contacts"`
	Message  string   `json:"message"`
}

func (h *SOSHandler) SaveProfile(c *gin.Context) {
	var req saveProfileReq
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.sos.SaveProfile(c.Request.Context(), caller(c), req.Contacts, req.Message)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

type triggerReq struct {
	RideID   string       `json:"ride_id"`
	Location *types.Point `json:"location"`
	Message  string       `json:"message"`
}

func (h *SOSHandler) Trigger(c *gin.Context) {
	var req triggerReq
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	cmd := sos.TriggerCommand{Location: req.Location, Message: req.Message}
	if req.RideID != "" {
		id, ok := types.ParseID(req.RideID)
		if !ok {
			writeError(c, http.StatusBadRequest, "invalid ride_id")
			return
		}
		cmd.RideID = &id
	}
	a, err := h.sos.Trigger(c.Request.Context(), caller(c), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, a)
}

func (h *SOSHandler) Alerts(c *gin.Context) {
	alerts, err := h.sos.ListAlerts(c.Request.Context(), caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if alerts == nil {
		alerts = []*sos.Alert{}
	}
	writeJSON(c, http.StatusOK, gin.H{"alerts": alerts})
}
