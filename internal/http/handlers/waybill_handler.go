// Waybill HTTP handlers.
//
// This file exposes the waybill lifecycle:
//   - GET    /waybills                  (list, status filter, search, ETag support)
//   - POST   /waybills                  (create + receipt SMS, Idempotency-Key aware)
//   - GET    /waybills/{id}             (read)
//   - DELETE /waybills/{id}             (delete with its SMS logs, idempotent)
//   - POST   /waybills/{id}/departed    (departure SMS, pending -> on_road)
//   - POST   /waybills/{id}/on-road     (location update SMS, status unchanged)
//   - POST   /waybills/{id}/arrived     (arrival SMS, -> arrived)
//   - GET    /stats/waybills            (counts per status)
//
// Lifecycle responses always carry the SMS log row that was written, so a
// provider failure shows up as notification.status = "failed" on a 2xx.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/http/middleware"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/services"
)

// IdempotencyScopeWaybills namespaces Idempotency-Key values used on
// POST /waybills.
const IdempotencyScopeWaybills = "waybills"

// ListWaybillsResponse wraps a page of waybills.
type ListWaybillsResponse struct {
	Waybills   []domain.Waybill `json:"waybills"`
	Pagination Pagination       `json:"pagination"`
}

// OnRoadRequest is the body of the on-road notification.
type OnRoadRequest struct {
	// Region is the current location of the cargo, quoted in the SMS.
	Region string `json:"region" example:"Morogoro"`
}

// ListWaybills godoc
// @ID          listWaybills
// @Summary     List waybills (paginated)
// @Description Newest first. status filters by lifecycle stage; search matches number, client name or phone, origin and destination.
// @Tags        Waybills
// @Produce     json
// @Security    BearerAuth
// @Param       status         query   string  false "pending | on_road | arrived"  Enums(pending, on_road, arrived)
// @Param       search         query   string  false "Search text"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Success     200  {object}  handlers.ListWaybillsResponse
// @Header      200  {string}  ETag "Weak ETag for current result"
// @Success     304  {string}  string "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /waybills [get]
func (h *Handlers) ListWaybills(c *gin.Context) {
	ctx := c.Request.Context()
	f := repo.WaybillFilter{
		Status: domain.WaybillStatus(strings.TrimSpace(c.Query("status"))),
		Search: strings.TrimSpace(c.Query("search")),
	}
	page, pageSize := clampPagination(c)

	if svc, isSvc := h.Waybills.(*services.WaybillService); isSvc && (f.Status == "" || f.Status.Valid()) {
		if count, maxTS, err := repo.WaybillsStats(ctx, svc.DB, f); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"waybills:%s:%x:%d:%d:%d:%d"`, f.Status, f.Search, page, pageSize, count, ts)
			if notModified(c, etag) {
				return
			}
		}
	}

	items, total, err := h.Waybills.ListPage(ctx, f, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListWaybillsResponse{Waybills: items, Pagination: newPagination(page, pageSize, total)})
}

// CreateWaybill godoc
// @ID          createWaybill
// @Summary     Create a waybill and send the receipt SMS
// @Description Resolves the client by client_id, then by phone, and registers it when unknown. The waybill stores a snapshot of the client's name and phone. A failed SMS is recorded in the notification and does not fail the request. With Idempotency-Key, a retry returns the original waybill (200) without sending again.
// @Tags        Waybills
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       Idempotency-Key  header    string                       false  "Client-generated retry key"
// @Param       body             body      services.CreateWaybillInput  true   "Waybill"
// @Success     201  {object}  services.WaybillResult
// @Success     200  {object}  services.WaybillResult "Replay of an earlier request"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     429  {object}  handlers.ErrorResponse
// @Header      429  {integer} Retry-After "Seconds until the quota frees up"
// @Failure     503  {object}  handlers.ErrorResponse "No free waybill number"
// @Router      /waybills [post]
func (h *Handlers) CreateWaybill(c *gin.Context) {
	a, authed := actor(c)
	if !authed {
		return
	}
	ctx := c.Request.Context()

	if rid, replay := middleware.ReplayOf(c); replay {
		w, err := h.Waybills.Get(ctx, rid)
		switch {
		case err == nil:
			c.Header("Idempotent-Replayed", "true")
			ok(c, http.StatusOK, services.WaybillResult{Waybill: w})
			return
		case !errors.Is(err, services.ErrNotFound):
			failErr(c, err)
			return
		}
		// The original waybill was deleted since; treat as a new request.
	}

	var in services.CreateWaybillInput
	if !bindJSON(c, &in) {
		return
	}
	res, err := h.Waybills.Create(ctx, a, in)
	if err != nil {
		failErr(c, err)
		return
	}
	if key, has := middleware.GetIdempotencyKey(c); has && h.Idem != nil {
		if err := h.Idem.Remember(ctx, a.UserID, IdempotencyScopeWaybills, key, res.Waybill.ID); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Uint("waybill_id", res.Waybill.ID).Msg("idempotency key not stored")
		}
	}
	ok(c, http.StatusCreated, res)
}

// GetWaybill godoc
// @ID          getWaybill
// @Summary     Get a waybill
// @Tags        Waybills
// @Produce     json
// @Security    BearerAuth
// @Param       id   path      int  true  "Waybill ID"
// @Success     200  {object}  domain.Waybill
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /waybills/{id} [get]
func (h *Handlers) GetWaybill(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	w, err := h.Waybills.Get(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, w)
}

// DeleteWaybill godoc
// @ID          deleteWaybill
// @Summary     Delete a waybill
// @Description Removes the waybill and its SMS logs. Deleting a missing waybill also answers 204.
// @Tags        Waybills
// @Security    BearerAuth
// @Param       id   path  int  true  "Waybill ID"
// @Success     204  {string}  string "No Content"
// @Router      /waybills/{id} [delete]
func (h *Handlers) DeleteWaybill(c *gin.Context) {
	a, authed := actor(c)
	if !authed {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	if err := h.Waybills.Delete(c.Request.Context(), a, id); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// SendDeparted godoc
// @ID          sendDeparted
// @Summary     Notify departure
// @Description Sends the departure SMS and moves a pending waybill to on_road.
// @Tags        Waybills
// @Produce     json
// @Security    BearerAuth
// @Param       id   path      int  true  "Waybill ID"
// @Success     200  {object}  services.WaybillResult
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     429  {object}  handlers.ErrorResponse
// @Router      /waybills/{id}/departed [post]
func (h *Handlers) SendDeparted(c *gin.Context) {
	a, authed := actor(c)
	if !authed {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	res, err := h.Waybills.SendDeparted(c.Request.Context(), a, id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// SendOnRoad godoc
// @ID          sendOnRoad
// @Summary     Notify current location
// @Description Sends a location update SMS quoting region. The waybill status does not change.
// @Tags        Waybills
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path      int                     true  "Waybill ID"
// @Param       body  body      handlers.OnRoadRequest  true  "Current region"
// @Success     200   {object}  services.WaybillResult
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Failure     429   {object}  handlers.ErrorResponse
// @Router      /waybills/{id}/on-road [post]
func (h *Handlers) SendOnRoad(c *gin.Context) {
	a, authed := actor(c)
	if !authed {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	var req OnRoadRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.Waybills.SendOnRoad(c.Request.Context(), a, id, req.Region)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// SendArrived godoc
// @ID          sendArrived
// @Summary     Notify arrival
// @Description Sends the arrival SMS and moves the waybill to arrived.
// @Tags        Waybills
// @Produce     json
// @Security    BearerAuth
// @Param       id   path      int  true  "Waybill ID"
// @Success     200  {object}  services.WaybillResult
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     429  {object}  handlers.ErrorResponse
// @Router      /waybills/{id}/arrived [post]
func (h *Handlers) SendArrived(c *gin.Context) {
	a, authed := actor(c)
	if !authed {
		return
	}
	id, valid := pathID(c)
	if !valid {
		return
	}
	res, err := h.Waybills.SendArrived(c.Request.Context(), a, id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// WaybillStats godoc
// @ID          waybillStats
// @Summary     Waybill counts per status
// @Tags        Stats
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  repo.StatusCounts
// @Router      /stats/waybills [get]
func (h *Handlers) WaybillStats(c *gin.Context) {
	sc, err := h.Waybills.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, sc)
}
