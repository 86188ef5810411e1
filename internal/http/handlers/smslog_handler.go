// SMS log HTTP handlers.
//
//   - GET    /sms-logs              (list, search, status filter)
//   - POST   /sms-logs/{id}/check   (poll the provider for delivery status)
//   - DELETE /sms-logs/{id}         (admin)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/utils"
)

// ListSmsLogsResponse wraps a page of SMS logs.
type ListSmsLogsResponse struct {
	SmsLogs    []domain.SmsLog `json:"sms_logs"`
	Pagination Pagination      `json:"pagination"`
}

// ListSmsLogs godoc
// @ID          listSmsLogs
// @Summary     List SMS logs (paginated)
// @Description Newest first, each row carrying its waybill number. search matches phone, message text or waybill number.
// @Tags        SMS
// @Produce     json
// @Security    BearerAuth
// @Param       search      query  string  false "Search text"
// @Param       status      query  string  false "queued | sent | failed"  Enums(queued, sent, failed)
// @Param       waybill_id  query  int     false "Only logs of this waybill"
// @Param       page        query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size   query  int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListSmsLogsResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /sms-logs [get]
func (h *Handlers) ListSmsLogs(c *gin.Context) {
	f := repo.SmsLogFilter{
		Status: domain.SmsStatus(strings.TrimSpace(c.Query("status"))),
		Search: strings.TrimSpace(c.Query("search")),
	}
	if raw := c.Query("waybill_id"); raw != "" {
		id, valid := utils.ParseID(raw)
		if !valid {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "waybill_id must be a positive integer")
			return
		}
		f.WaybillID = id
	}
	page, pageSize := clampPagination(c)
	items, total, err := h.SmsLogs.ListPage(c.Request.Context(), f, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListSmsLogsResponse{SmsLogs: items, Pagination: newPagination(page, pageSize, total)})
}

// CheckSmsLog godoc
// @ID          checkSmsLog
// @Summary     Check delivery status
// @Description Polls the provider for the message's delivery state and updates the log when it changed. Logs without a provider message id answer checked=false.
// @Tags        SMS
// @Produce     json
// @Security    BearerAuth
// @Param       id   path      int  true  "SMS log ID"
// @Success     200  {object}  services.DeliveryCheck
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     502  {object}  handlers.ErrorResponse "Provider unreachable"
// @Router      /sms-logs/{id}/check [post]
func (h *Handlers) CheckSmsLog(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	res, err := h.SmsLogs.CheckDeliveryStatus(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// DeleteSmsLog godoc
// @ID          deleteSmsLog
// @Summary     Delete an SMS log
// @Tags        SMS
// @Security    BearerAuth
// @Param       id   path  int  true  "SMS log ID"
// @Success     204  {string}  string "No Content"
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /sms-logs/{id} [delete]
func (h *Handlers) DeleteSmsLog(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := h.SmsLogs.Delete(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
