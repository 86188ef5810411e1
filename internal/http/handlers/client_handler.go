// Client HTTP handlers.
//
// This file exposes the client registry:
//   - GET    /clients                 (list, search, paginated, ETag support)
//   - POST   /clients                 (create)
//   - GET    /clients/{id}            (read)
//   - PUT    /clients/{id}            (update)
//   - DELETE /clients/{id}            (delete with cascade, admin)
//   - GET    /clients/{id}/waybills   (client's waybills)
//   - GET    /clients/{id}/sms-logs   (SMS sent to the client's number)
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/services"
)

// ListClientsResponse wraps a page of clients.
type ListClientsResponse struct {
	Clients    []domain.Client `json:"clients"`
	Pagination Pagination      `json:"pagination"`
}

// ListClients godoc
// @ID          listClients
// @Summary     List clients (paginated)
// @Description Returns clients ordered by name. search matches the name or the phone digits. Supports weak ETag via If-None-Match.
// @Tags        Clients
// @Produce     json
// @Security    BearerAuth
// @Param       search         query   string  false "Name or phone fragment"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Success     200  {object}  handlers.ListClientsResponse
// @Header      200  {string}  ETag "Weak ETag for current result"
// @Success     304  {string}  string "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /clients [get]
func (h *Handlers) ListClients(c *gin.Context) {
	ctx := c.Request.Context()
	search := strings.TrimSpace(c.Query("search"))
	page, pageSize := clampPagination(c)

	if svc, isSvc := h.Clients.(*services.ClientService); isSvc {
		if count, maxTS, err := repo.ClientsStats(ctx, svc.DB, search); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"clients:%x:%d:%d:%d:%d"`, search, page, pageSize, count, ts)
			if notModified(c, etag) {
				return
			}
		}
	}

	items, total, err := h.Clients.ListPage(ctx, search, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListClientsResponse{Clients: items, Pagination: newPagination(page, pageSize, total)})
}

// CreateClient godoc
// @ID          createClient
// @Summary     Register a client
// @Description The phone is normalized to its canonical form; a phone already on file yields 409.
// @Tags        Clients
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body      services.ClientInput  true  "Client"
// @Success     201   {object}  domain.Client
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     409   {object}  handlers.ErrorResponse
// @Router      /clients [post]
func (h *Handlers) CreateClient(c *gin.Context) {
	var in services.ClientInput
	if !bindJSON(c, &in) {
		return
	}
	cl, err := h.Clients.Create(c.Request.Context(), in)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, cl)
}

// GetClient godoc
// @ID          getClient
// @Summary     Get a client
// @Tags        Clients
// @Produce     json
// @Security    BearerAuth
// @Param       id   path      int  true  "Client ID"
// @Success     200  {object}  domain.Client
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /clients/{id} [get]
func (h *Handlers) GetClient(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	cl, err := h.Clients.Get(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, cl)
}

// UpdateClient godoc
// @ID          updateClient
// @Summary     Update a client
// @Description Replaces name and phone. Waybills created earlier keep the name and phone captured at shipment time.
// @Tags        Clients
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path      int                   true  "Client ID"
// @Param       body  body      services.ClientInput  true  "Client"
// @Success     200   {object}  domain.Client
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Failure     409   {object}  handlers.ErrorResponse
// @Router      /clients/{id} [put]
func (h *Handlers) UpdateClient(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	var in services.ClientInput
	if !bindJSON(c, &in) {
		return
	}
	cl, err := h.Clients.Update(c.Request.Context(), id, in)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, cl)
}

// DeleteClient godoc
// @ID          deleteClient
// @Summary     Delete a client
// @Description Removes the client, all of its waybills and their SMS logs.
// @Tags        Clients
// @Security    BearerAuth
// @Param       id   path  int  true  "Client ID"
// @Success     204  {string}  string "No Content"
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /clients/{id} [delete]
func (h *Handlers) DeleteClient(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := h.Clients.Delete(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// ListClientWaybills godoc
// @ID          listClientWaybills
// @Summary     List a client's waybills
// @Tags        Clients
// @Produce     json
// @Security    BearerAuth
// @Param       id         path   int  true   "Client ID"
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListWaybillsResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /clients/{id}/waybills [get]
func (h *Handlers) ListClientWaybills(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.Clients.Get(ctx, id); err != nil {
		failErr(c, err)
		return
	}
	page, pageSize := clampPagination(c)
	items, total, err := h.Waybills.ListPage(ctx, repo.WaybillFilter{ClientID: id}, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListWaybillsResponse{Waybills: items, Pagination: newPagination(page, pageSize, total)})
}

// ListClientSmsLogs godoc
// @ID          listClientSmsLogs
// @Summary     List SMS sent to a client
// @Description Matches logs by the client's current canonical phone number.
// @Tags        Clients
// @Produce     json
// @Security    BearerAuth
// @Param       id         path   int  true   "Client ID"
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListSmsLogsResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /clients/{id}/sms-logs [get]
func (h *Handlers) ListClientSmsLogs(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	cl, err := h.Clients.Get(ctx, id)
	if err != nil {
		failErr(c, err)
		return
	}
	page, pageSize := clampPagination(c)
	items, total, err := h.SmsLogs.ListPage(ctx, repo.SmsLogFilter{Phone: cl.Phone}, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListSmsLogsResponse{SmsLogs: items, Pagination: newPagination(page, pageSize, total)})
}
