package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"testing"

	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/services"
)

func logPath(id uint, suffix string) string {
	return "/sms-logs/" + strconv.FormatUint(uint64(id), 10) + suffix
}

func TestSmsLogs_CheckDeliveryStatus(t *testing.T) {
	e := newEnv(t)
	tok, _ := e.login(t, "clerk1", domain.RoleClerk)
	n := e.createWaybill(t, tok, "Amina Hassan", "0712345678").Notification
	e.gw.status[*n.MessageID] = "undelivered"

	w := e.do(t, http.MethodPost, logPath(n.ID, "/check"), tok, nil)
	expectStatus(t, w, http.StatusOK)
	res := decode[services.DeliveryCheck](t, w)
	if !res.Checked || !res.Updated || res.Log.Status != domain.SmsFailed || res.RawStatus != "undelivered" {
		t.Fatalf("unexpected check: %+v", res)
	}

	expectStatus(t, e.do(t, http.MethodPost, "/sms-logs/999/check", tok, nil), http.StatusNotFound)
}

func TestSmsLogs_CheckWithoutMessageID(t *testing.T) {
	e := newEnv(t)
	tok, _ := e.login(t, "clerk1", domain.RoleClerk)
	e.gw.reject = "no credit"
	n := e.createWaybill(t, tok, "Amina Hassan", "0712345678").Notification

	w := e.do(t, http.MethodPost, logPath(n.ID, "/check"), tok, nil)
	expectStatus(t, w, http.StatusOK)
	if res := decode[services.DeliveryCheck](t, w); res.Checked {
		t.Fatalf("log without message id reported as checked")
	}
}

func TestSmsLogs_ProviderDownIs502(t *testing.T) {
	e := newEnv(t)
	tok, _ := e.login(t, "clerk1", domain.RoleClerk)
	n := e.createWaybill(t, tok, "Amina Hassan", "0712345678").Notification
	e.gw.pollErr = errors.New("dial tcp: i/o timeout")

	w := e.do(t, http.MethodPost, logPath(n.ID, "/check"), tok, nil)
	expectStatus(t, w, http.StatusBadGateway)
	if got := decode[ErrorResponse](t, w).Code; got != ErrCodeUpstreamUnavailable {
		t.Fatalf("code = %q", got)
	}
}

func TestSmsLogs_ListAndDelete(t *testing.T) {
	e := newEnv(t)
	tok, _ := e.login(t, "clerk1", domain.RoleClerk)
	adminTok, _ := e.login(t, "admin1", domain.RoleAdmin)
	a := e.createWaybill(t, tok, "Amina Hassan", "0712345678")
	e.createWaybill(t, tok, "Baraka Mushi", "0713000000")

	w := e.do(t, http.MethodGet, "/sms-logs?search="+a.Waybill.WaybillNumber, tok, nil)
	expectStatus(t, w, http.StatusOK)
	resp := decode[ListSmsLogsResponse](t, w)
	if resp.Pagination.Total != 1 || resp.SmsLogs[0].WaybillNumber != a.Waybill.WaybillNumber {
		t.Fatalf("search by number: %+v", resp)
	}

	w = e.do(t, http.MethodGet, "/sms-logs?waybill_id="+strconv.FormatUint(uint64(a.Waybill.ID), 10), tok, nil)
	expectStatus(t, w, http.StatusOK)
	if decode[ListSmsLogsResponse](t, w).Pagination.Total != 1 {
		t.Fatalf("waybill filter mismatch")
	}
	expectStatus(t, e.do(t, http.MethodGet, "/sms-logs?waybill_id=x", tok, nil), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodGet, "/sms-logs?status=bogus", tok, nil), http.StatusBadRequest)

	id := a.Notification.ID
	expectStatus(t, e.do(t, http.MethodDelete, logPath(id, ""), tok, nil), http.StatusForbidden)
	expectStatus(t, e.do(t, http.MethodDelete, logPath(id, ""), adminTok, nil), http.StatusNoContent)
	expectStatus(t, e.do(t, http.MethodDelete, logPath(id, ""), adminTok, nil), http.StatusNotFound)
}
