package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/repo"
)

var numberPattern = regexp.MustCompile(`^WB\d{8}\d{4}$`)

func TestWaybillLifecycle_AminaHassan(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()

	c, err := f.clients.Create(ctx, ClientInput{FullName: "Amina Hassan", Phone: "0712345678"})
	if err != nil {
		t.Fatalf("Create client: %v", err)
	}
	if c.Phone != "255712345678" {
		t.Fatalf("phone = %q, want 255712345678", c.Phone)
	}

	in := waybillInput("Amina Hassan", "0712345678")
	in.ClientID = &c.ID
	res, err := f.waybills.Create(ctx, clerk, in)
	if err != nil {
		t.Fatalf("Create waybill: %v", err)
	}
	w := res.Waybill
	if w.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", w.Status)
	}
	if !numberPattern.MatchString(w.WaybillNumber) {
		t.Fatalf("waybill number %q does not match WB<date><4 digits>", w.WaybillNumber)
	}
	if res.Notification == nil || res.Notification.TemplateKey != domain.TemplateReceipt {
		t.Fatalf("receipt log missing: %+v", res.Notification)
	}
	if res.ClientCreated {
		t.Fatalf("existing client must not be reported as created")
	}

	dep, err := f.waybills.SendDeparted(ctx, clerk, w.ID)
	if err != nil {
		t.Fatalf("SendDeparted: %v", err)
	}
	if dep.Waybill.Status != domain.StatusOnRoad || !dep.StatusChanged {
		t.Fatalf("after departed: status=%s changed=%v", dep.Waybill.Status, dep.StatusChanged)
	}
	if dep.Notification.TemplateKey != domain.TemplateDeparted {
		t.Fatalf("template = %s, want departed", dep.Notification.TemplateKey)
	}

	arr, err := f.waybills.SendArrived(ctx, clerk, w.ID)
	if err != nil {
		t.Fatalf("SendArrived: %v", err)
	}
	if arr.Waybill.Status != domain.StatusArrived {
		t.Fatalf("after arrived: status=%s", arr.Waybill.Status)
	}
	if arr.Notification.TemplateKey != domain.TemplateArrived {
		t.Fatalf("template = %s, want arrived", arr.Notification.TemplateKey)
	}

	if n := countLogs(t, f.db, w.ID); n != 3 {
		t.Fatalf("sms logs = %d, want 3", n)
	}
	for _, m := range f.gw.Sent() {
		if m.Phone != "255712345678" {
			t.Fatalf("sent to %q", m.Phone)
		}
		if !strings.Contains(m.Text, w.WaybillNumber) {
			t.Fatalf("message %q lacks waybill number", m.Text)
		}
	}
}

func TestCreate_ProviderRejection_LogsFailed(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	f.gw.reject = "http 401: invalid api key"

	res, err := f.waybills.Create(context.Background(), clerk, waybillInput("Juma Ali", "0754000111"))
	if err != nil {
		t.Fatalf("Create must succeed when the provider rejects: %v", err)
	}
	if res.Waybill.ID == 0 {
		t.Fatalf("waybill not persisted")
	}
	n := res.Notification
	if n == nil || n.Status != domain.SmsFailed {
		t.Fatalf("notification = %+v, want failed", n)
	}
	if n.MessageID != nil {
		t.Fatalf("failed log must not carry a message id")
	}
	if n.Detail == "" {
		t.Fatalf("failure reason not recorded")
	}

	logs, _, err := f.logs.ListPage(context.Background(), repo.SmsLogFilter{WaybillID: res.Waybill.ID}, 1, 10)
	if err != nil || len(logs) != 1 || logs[0].Status != domain.SmsFailed {
		t.Fatalf("stored logs = %+v, err=%v", logs, err)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()

	neg := decimal.NewFromInt(-1)
	cases := []struct {
		name  string
		in    CreateWaybillInput
		field string
	}{
		{"missing client name", CreateWaybillInput{ClientPhone: "0712345678", Origin: "A", Destination: "B"}, "client_name"},
		{"blank origin", CreateWaybillInput{ClientName: "X", ClientPhone: "0712345678", Origin: "  ", Destination: "B"}, "origin"},
		{"missing destination", CreateWaybillInput{ClientName: "X", ClientPhone: "0712345678", Origin: "A"}, "destination"},
		{"bad client phone", CreateWaybillInput{ClientName: "X", ClientPhone: "12345", Origin: "A", Destination: "B"}, "client_phone"},
		{"bad sender phone", CreateWaybillInput{ClientName: "X", ClientPhone: "0712345678", SenderPhone: "abc", Origin: "A", Destination: "B"}, "sender_phone"},
		{"negative weight", CreateWaybillInput{ClientName: "X", ClientPhone: "0712345678", Origin: "A", Destination: "B", Weight: &neg}, "weight"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.waybills.Create(ctx, clerk, tc.in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if _, ok := ve.Fields[tc.field]; !ok {
				t.Fatalf("fields = %v, want %s", ve.Fields, tc.field)
			}
		})
	}

	if n, _ := repo.CountWaybills(ctx, f.db, repo.WaybillFilter{}); n != 0 {
		t.Fatalf("rejected input wrote %d waybills", n)
	}
	if n, _ := repo.CountClients(ctx, f.db, ""); n != 0 {
		t.Fatalf("rejected input wrote %d clients", n)
	}
	if len(f.gw.Sent()) != 0 {
		t.Fatalf("rejected input sent sms")
	}
}

func TestCreate_ResolvesClientAndOverwritesSnapshot(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()

	c, err := f.clients.Create(ctx, ClientInput{FullName: "Amina Hassan", Phone: "255712345678"})
	if err != nil {
		t.Fatal(err)
	}

	// Same number in another notation and a different name: resolved by phone.
	res, err := f.waybills.Create(ctx, clerk, waybillInput("A. Hassan", "+255 712 345 678"))
	if err != nil {
		t.Fatal(err)
	}
	w := res.Waybill
	if w.ClientID == nil || *w.ClientID != c.ID || res.ClientCreated {
		t.Fatalf("client not resolved by phone: %+v", w)
	}
	if w.ClientName != "Amina Hassan" || w.ClientPhone != "255712345678" {
		t.Fatalf("snapshot = %q/%q, want the registered client", w.ClientName, w.ClientPhone)
	}
	if w.SenderName != "Amina Hassan" || w.SenderPhone != "255712345678" {
		t.Fatalf("sender should default to the client, got %q/%q", w.SenderName, w.SenderPhone)
	}

	// Unknown client_id falls back to phone lookup, then auto-creation.
	missing := uint(9999)
	in := waybillInput("Neema Said", "0788111222")
	in.ClientID = &missing
	in.SenderName, in.SenderPhone = "Shop Ltd", "0655000000"
	res, err = f.waybills.Create(ctx, clerk, in)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ClientCreated || res.Waybill.ClientPhone != "255788111222" {
		t.Fatalf("expected auto-created client, got %+v", res.Waybill)
	}
	if res.Waybill.SenderName != "Shop Ltd" || res.Waybill.SenderPhone != "255655000000" {
		t.Fatalf("sender = %q/%q", res.Waybill.SenderName, res.Waybill.SenderPhone)
	}
}

func TestWaybillSnapshot_SurvivesClientEdit(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()

	res, err := f.waybills.Create(ctx, clerk, waybillInput("Amina Hassan", "0712345678"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.clients.Update(ctx, *res.Waybill.ClientID, ClientInput{FullName: "Amina H. Juma", Phone: "0712999999"}); err != nil {
		t.Fatal(err)
	}
	w, err := f.waybills.Get(ctx, res.Waybill.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.ClientName != "Amina Hassan" || w.ClientPhone != "255712345678" {
		t.Fatalf("snapshot changed to %q/%q", w.ClientName, w.ClientPhone)
	}
}

func TestCreate_ConcurrentSameNewPhone_OneClient(t *testing.T) {
	f := newFixture(t, newFileDB(t))
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	ids := make(chan uint, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.waybills.Create(ctx, clerk, waybillInput(fmt.Sprintf("Caller %d", i), "0713000000"))
			if err != nil {
				errs <- err
				return
			}
			ids <- *res.Waybill.ClientID
		}(i)
	}
	wg.Wait()
	close(errs)
	close(ids)

	for err := range errs {
		t.Fatalf("concurrent create: %v", err)
	}
	n1, err := repo.CountClientsByPhone(ctx, f.db, "255713000000")
	if err != nil {
		t.Fatal(err)
	}
	if n1 != 1 {
		t.Fatalf("clients with phone = %d, want 1", n1)
	}
	var first uint
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Fatalf("waybills reference clients %d and %d", first, id)
		}
	}
	if total, _ := repo.CountWaybills(ctx, f.db, repo.WaybillFilter{}); total != n {
		t.Fatalf("waybills = %d, want %d", total, n)
	}
}

func TestCreate_TenThousandUniqueNumbers(t *testing.T) {
	if testing.Short() {
		t.Skip("long-running")
	}
	f := newFixture(t, newFileDB(t))
	ctx := context.Background()

	c, err := f.clients.Create(ctx, ClientInput{FullName: "Bulk Shipper", Phone: "0714000000"})
	if err != nil {
		t.Fatal(err)
	}
	// Spread candidates over 30 calendar days so the four-digit suffix space
	// is not the limiting factor.
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var calls atomic.Int64
	f.waybills.Now = func() time.Time {
		return base.AddDate(0, 0, int(calls.Add(1)%30))
	}

	const total, workers = 10000, 8
	jobs := make(chan struct{})
	var failures atomic.Int64
	var firstErr atomic.Value
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				in := waybillInput("ignored", "ignored")
				in.ClientID = &c.ID
				if _, err := f.waybills.Create(ctx, clerk, in); err != nil {
					if failures.Add(1) == 1 {
						firstErr.Store(err)
					}
				}
			}
		}()
	}
	for i := 0; i < total; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	if n := failures.Load(); n > 0 {
		t.Fatalf("%d creates failed, first: %v", n, firstErr.Load())
	}

	var rows, distinct int64
	f.db.Model(&domain.Waybill{}).Count(&rows)
	f.db.Model(&domain.Waybill{}).Distinct("waybill_number").Count(&distinct)
	if rows != total || distinct != total {
		t.Fatalf("rows=%d distinct=%d, want %d", rows, distinct, total)
	}
}

func TestCreate_NumberGenerationExhausted(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()
	f.waybills.Now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	f.waybills.Suffix = func() string { return "0001" }

	if _, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678")); err != nil {
		t.Fatal(err)
	}
	_, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678"))
	if !errors.Is(err, ErrNumberGenerationExhausted) {
		t.Fatalf("err = %v, want ErrNumberGenerationExhausted", err)
	}
	if n, _ := repo.CountWaybills(ctx, f.db, repo.WaybillFilter{}); n != 1 {
		t.Fatalf("waybills = %d, want 1", n)
	}
}

func TestNextNumber_UsesConfiguredTimezone(t *testing.T) {
	s := &WaybillService{
		Location: time.FixedZone("EAT", 3*3600),
		Now:      func() time.Time { return time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC) },
		Suffix:   func() string { return "0420" },
	}
	if got := s.NextNumber(); got != "WB202405020420" {
		t.Fatalf("NextNumber = %q", got)
	}
	s.Suffix = nil
	if got := s.NextNumber(); !numberPattern.MatchString(got) {
		t.Fatalf("NextNumber = %q", got)
	}
}

func TestSendOnRoad_NeverChangesStatus(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()

	res, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678"))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Waybill.ID

	if _, err := f.waybills.SendOnRoad(ctx, clerk, id, "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank region: err = %v", err)
	}

	for _, want := range []domain.WaybillStatus{domain.StatusPending, domain.StatusOnRoad, domain.StatusArrived} {
		switch want {
		case domain.StatusOnRoad:
			if _, err := f.waybills.SendDeparted(ctx, clerk, id); err != nil {
				t.Fatal(err)
			}
		case domain.StatusArrived:
			if _, err := f.waybills.SendArrived(ctx, clerk, id); err != nil {
				t.Fatal(err)
			}
		}
		r, err := f.waybills.SendOnRoad(ctx, clerk, id, "Morogoro")
		if err != nil {
			t.Fatalf("SendOnRoad: %v", err)
		}
		if r.Waybill.Status != want || r.StatusChanged {
			t.Fatalf("on-road changed status: %s (changed=%v), want %s", r.Waybill.Status, r.StatusChanged, want)
		}
		if r.Notification.TemplateKey != domain.TemplateOnTransit || !strings.Contains(r.Notification.MessageText, "Morogoro") {
			t.Fatalf("notification = %+v", r.Notification)
		}
	}
}

func TestTransitions_ForwardOnly(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()

	res, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678"))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Waybill.ID

	arr, err := f.waybills.SendArrived(ctx, clerk, id)
	if err != nil {
		t.Fatal(err)
	}
	if arr.Waybill.Status != domain.StatusArrived || !arr.StatusChanged {
		t.Fatalf("pending -> arrived: %s changed=%v", arr.Waybill.Status, arr.StatusChanged)
	}

	dep, err := f.waybills.SendDeparted(ctx, clerk, id)
	if err != nil {
		t.Fatal(err)
	}
	if dep.Waybill.Status != domain.StatusArrived || dep.StatusChanged {
		t.Fatalf("departed after arrival moved status back: %s", dep.Waybill.Status)
	}
	again, err := f.waybills.SendArrived(ctx, clerk, id)
	if err != nil {
		t.Fatal(err)
	}
	if again.StatusChanged {
		t.Fatalf("second arrival reported a change")
	}
	// Every attempt is still logged.
	if n := countLogs(t, f.db, id); n != 4 {
		t.Fatalf("logs = %d, want 4", n)
	}

	if _, err := f.waybills.SendDeparted(ctx, clerk, 424242); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing waybill: err = %v", err)
	}
}

func TestStatusChangesEvenWhenSmsFails(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()
	res, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678"))
	if err != nil {
		t.Fatal(err)
	}
	f.gw.reject = "timeout"
	dep, err := f.waybills.SendDeparted(ctx, clerk, res.Waybill.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dep.Waybill.Status != domain.StatusOnRoad || dep.Notification.Status != domain.SmsFailed {
		t.Fatalf("status=%s sms=%s", dep.Waybill.Status, dep.Notification.Status)
	}
}

func TestCreate_ReceiptQuota(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	f.withLimiter(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		if _, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678")); err != nil {
			t.Fatalf("create %d: %v", i+1, err)
		}
		now = now.Add(time.Minute)
	}

	_, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678"))
	var rl *RateLimitError
	if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("11th create: err = %v, want *RateLimitError", err)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Hour {
		t.Fatalf("RetryAfter = %s", rl.RetryAfter)
	}
	if n, _ := repo.CountWaybills(ctx, f.db, repo.WaybillFilter{}); n != 10 {
		t.Fatalf("rejected create wrote a waybill: %d", n)
	}

	// Another user has their own quota.
	other := clerk
	other.UserID = 2
	if _, err := f.waybills.Create(ctx, other, waybillInput("Amina", "0712345678")); err != nil {
		t.Fatalf("other user: %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678")); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestStatusQuota_SharedAcrossNotifications(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	f.withLimiter(func() time.Time { return now })
	f.waybills.StatusPolicy.Limit = 3

	res, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678"))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Waybill.ID
	if _, err := f.waybills.SendDeparted(ctx, clerk, id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.waybills.SendOnRoad(ctx, clerk, id, "Dodoma"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.waybills.SendOnRoad(ctx, clerk, id, "Singida"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.waybills.SendArrived(ctx, clerk, id); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th status sms: err = %v", err)
	}
	w, _ := f.waybills.Get(ctx, id)
	if w.Status != domain.StatusOnRoad {
		t.Fatalf("rejected call changed status to %s", w.Status)
	}
	if n := countLogs(t, f.db, id); n != 4 {
		t.Fatalf("logs = %d, want 4", n)
	}
}

func TestDelete_IdempotentAndCascades(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()
	res, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678"))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Waybill.ID
	if _, err := f.waybills.SendDeparted(ctx, clerk, id); err != nil {
		t.Fatal(err)
	}

	if err := f.waybills.Delete(ctx, clerk, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := f.waybills.Delete(ctx, clerk, id); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := f.waybills.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	if n := countLogs(t, f.db, id); n != 0 {
		t.Fatalf("logs left = %d", n)
	}
	// The client stays.
	if n, _ := repo.CountClients(ctx, f.db, ""); n != 1 {
		t.Fatalf("clients = %d", n)
	}
}

func TestWaybillListAndStats(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()
	var ids []uint
	for i := 0; i < 3; i++ {
		res, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, res.Waybill.ID)
	}
	if _, err := f.waybills.SendDeparted(ctx, clerk, ids[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := f.waybills.SendArrived(ctx, clerk, ids[1]); err != nil {
		t.Fatal(err)
	}

	items, total, err := f.waybills.ListPage(ctx, repo.WaybillFilter{Status: domain.StatusPending}, 1, 10)
	if err != nil || total != 1 || len(items) != 1 || items[0].ID != ids[2] {
		t.Fatalf("pending list = %v total=%d err=%v", items, total, err)
	}
	if _, _, err := f.waybills.ListPage(ctx, repo.WaybillFilter{Status: "lost"}, 1, 10); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad status: err = %v", err)
	}

	st, err := f.waybills.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st != (repo.StatusCounts{Pending: 1, OnRoad: 1, Arrived: 1, Total: 3}) {
		t.Fatalf("Stats = %+v", st)
	}
}

// failSmsLogInserts makes every insert into sms_logs on db fail.
func failSmsLogInserts(t *testing.T, db *gorm.DB) {
	t.Helper()
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_sms_logs", func(tx *gorm.DB) {
		if tx.Statement.Table == "sms_logs" {
			_ = tx.AddError(errors.New("disk full"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}

func TestCreate_SmsLogInsertFailureKeepsWaybill(t *testing.T) {
	db := newTestDB(t)
	f := newFixture(t, db)
	ctx := context.Background()
	failSmsLogInserts(t, db)

	res, err := f.waybills.Create(ctx, clerk, waybillInput("Amina Hassan", "0712345678"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Waybill.ID == 0 || res.Notification == nil || res.Notification.ID != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Notification.Status != domain.SmsSent {
		t.Fatalf("notification status = %s, want sent", res.Notification.Status)
	}
	if len(f.gw.Sent()) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.gw.Sent()))
	}
	if _, err := f.waybills.Get(ctx, res.Waybill.ID); err != nil {
		t.Fatalf("waybill not persisted: %v", err)
	}

	// Status transitions still advance when the log cannot be written.
	dep, err := f.waybills.SendDeparted(ctx, clerk, res.Waybill.ID)
	if err != nil {
		t.Fatalf("SendDeparted: %v", err)
	}
	if dep.Waybill.Status != domain.StatusOnRoad || !dep.StatusChanged {
		t.Fatalf("departed result = %+v", dep.Waybill)
	}
}
