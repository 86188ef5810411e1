package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Dashboard godoc
// @ID          dashboard
// @Summary     Dashboard totals
// @Description Client, waybill and SMS totals plus today's activity in the operator's timezone.
// @Tags        Stats
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  repo.Counts
// @Router      /stats [get]
func (h *Handlers) Dashboard(c *gin.Context) {
	counts, err := h.Stats.Dashboard(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, counts)
}
