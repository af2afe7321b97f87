//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"outreach/internal/domain"
	"outreach/internal/store"
	"outreach/internal/store/pg"
	"outreach/internal/window"
)

func TestWindowSupersession(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	recipient := "15550001111"
	now := time.Now().UTC()

	first := pg.WindowInsert{
		ID: "win_1", Recipient: recipient, WindowID: "conv_1",
		Origin: domain.OriginBusinessInitiated,
		OpenedAt: now.Add(-time.Hour), ExpiresAt: now.Add(23 * time.Hour),
	}
	if err := st.OpenWindow(ctx, first); err != nil {
		t.Fatalf("open first window: %v", err)
	}

	second := pg.WindowInsert{
		ID: "win_2", Recipient: recipient, WindowID: "conv_2",
		Origin: domain.OriginUserInitiated,
		OpenedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}
	if err := st.OpenWindow(ctx, second); err != nil {
		t.Fatalf("open second window: %v", err)
	}

	w, open, err := st.ActiveWindow(ctx, recipient, now)
	if err != nil {
		t.Fatalf("active window: %v", err)
	}
	if !open || w.ID != "win_2" {
		t.Fatalf("expected win_2 active, got open=%v id=%s", open, w.ID)
	}

	var activeCount int
	err = db.QueryRow(ctx, `SELECT count(*) FROM conversation_windows WHERE recipient=$1 AND is_active`, recipient).Scan(&activeCount)
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active row, got %d", activeCount)
	}
}

func TestWindowLazyExpiry(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	recipient := "15550002222"
	now := time.Now().UTC()

	in := pg.WindowInsert{
		ID: "win_old", Recipient: recipient, WindowID: "conv_old",
		Origin: domain.OriginUserInitiated,
		OpenedAt: now.Add(-25 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	if err := st.OpenWindow(ctx, in); err != nil {
		t.Fatalf("open window: %v", err)
	}

	_, open, err := st.ActiveWindow(ctx, recipient, now)
	if err != nil {
		t.Fatalf("active window: %v", err)
	}
	if open {
		t.Fatalf("expired window must read as closed even with the flag set")
	}

	tracker := window.NewTracker(st)
	ok, err := tracker.CanSendFreeForm(ctx, recipient)
	if err != nil {
		t.Fatalf("can send free form: %v", err)
	}
	if ok {
		t.Fatalf("free-form must be denied with no live window")
	}
}

func TestDispatchLeaseAndTerminal(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	insertPending(t, st, "msg_1", "15550001111", now)

	claimed, err := st.ClaimForDispatch(ctx, "msg_1", now, 2*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatalf("first claim must succeed")
	}

	claimed, err = st.ClaimForDispatch(ctx, "msg_1", now.Add(time.Second), 2*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatalf("claim must be refused while the lease holds")
	}

	// A stale lease from a crashed worker is reclaimable.
	claimed, err = st.ClaimForDispatch(ctx, "msg_1", now.Add(3*time.Minute), 2*time.Minute)
	if err != nil {
		t.Fatalf("stale reclaim: %v", err)
	}
	if !claimed {
		t.Fatalf("stale lease must be reclaimable")
	}

	moved, err := st.MarkTerminal(ctx, "msg_1", domain.StatusSent, "", now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if !moved {
		t.Fatalf("first terminal transition must report moved")
	}

	moved, err = st.MarkTerminal(ctx, "msg_1", domain.StatusFailed, "late", now.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("second mark terminal: %v", err)
	}
	if moved {
		t.Fatalf("terminal status must not transition again")
	}
	assertMessageStatus(t, db, "msg_1", domain.StatusSent)
}

func TestSelectDueClaimsOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()
	target := now.Add(time.Minute)

	if err := st.InsertMessage(ctx, store.MessageInsert{
		ID: "msg_due", Recipient: "15550001111", SenderID: "coach_1",
		Kind: "accountability", Body: "time to check in",
		SendMode: domain.SendAtTime, TargetTime: &target,
		Status: domain.StatusScheduled, Now: now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	due, err := st.SelectDue(ctx, now, 10*time.Minute, 2*time.Minute, 100)
	if err != nil {
		t.Fatalf("select due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "msg_due" {
		t.Fatalf("expected msg_due, got %+v", due)
	}

	due, err = st.SelectDue(ctx, now, 10*time.Minute, 2*time.Minute, 100)
	if err != nil {
		t.Fatalf("second select due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("claimed row must not be selected again, got %+v", due)
	}
}

func TestReleaseEnqueuedRestoresSelection(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()
	target := now.Add(time.Minute)

	if err := st.InsertMessage(ctx, store.MessageInsert{
		ID: "msg_stuck", Recipient: "15550001111", SenderID: "coach_1",
		Kind: "accountability", Body: "time to check in",
		SendMode: domain.SendAtTime, TargetTime: &target,
		Status: domain.StatusScheduled, Now: now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	due, err := st.SelectDue(ctx, now, 10*time.Minute, 2*time.Minute, 100)
	if err != nil || len(due) != 1 {
		t.Fatalf("select due: n=%d err=%v", len(due), err)
	}

	// The queue send failed; the claim is handed back.
	if err := st.ReleaseEnqueued(ctx, "msg_stuck", now); err != nil {
		t.Fatalf("release: %v", err)
	}

	due, err = st.SelectDue(ctx, now, 10*time.Minute, 2*time.Minute, 100)
	if err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if len(due) != 1 || due[0].ID != "msg_stuck" {
		t.Fatalf("released row must be selectable again, got %+v", due)
	}
}

func TestReclaimUnenqueuedReleasesStaleClaims(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()
	target := now.Add(time.Minute)

	if err := st.InsertMessage(ctx, store.MessageInsert{
		ID: "msg_lost", Recipient: "15550001111", SenderID: "coach_1",
		Kind: "accountability", Body: "time to check in",
		SendMode: domain.SendAtTime, TargetTime: &target,
		Status: domain.StatusScheduled, Now: now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if due, err := st.SelectDue(ctx, now, 10*time.Minute, 2*time.Minute, 100); err != nil || len(due) != 1 {
		t.Fatalf("select due: n=%d err=%v", len(due), err)
	}

	// Too fresh to reclaim: the job may still be on the queue.
	n, err := st.ReclaimUnenqueued(ctx, now.Add(5*time.Minute), 15*time.Minute)
	if err != nil {
		t.Fatalf("early reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh claim must not be reclaimed, n=%d", n)
	}

	// Well past the stale bound with no terminal status: the scheduler
	// crashed after the claim, or the queue send was lost.
	later := now.Add(20 * time.Minute)
	n, err = st.ReclaimUnenqueued(ctx, later, 15*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("stale claim must be released, n=%d", n)
	}

	due, err := st.SelectDue(ctx, later, 30*time.Minute, 2*time.Minute, 100)
	if err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if len(due) != 1 || due[0].ID != "msg_lost" {
		t.Fatalf("reclaimed row must be selectable again, got %+v", due)
	}
}

func TestCancelRefusedWhileLeased(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	insertPending(t, st, "msg_c", "15550001111", now)

	claimed, err := st.ClaimForDispatch(ctx, "msg_c", now, 2*time.Minute)
	if err != nil || !claimed {
		t.Fatalf("claim: ok=%v err=%v", claimed, err)
	}

	ok, err := st.CancelMessage(ctx, "msg_c", now.Add(time.Second))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatalf("cancel must be refused while the dispatch lease holds")
	}
	assertMessageStatus(t, db, "msg_c", domain.StatusPending)

	// Once the lease expires without a terminal write, cancel wins.
	ok, err = st.CancelMessage(ctx, "msg_c", now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("late cancel: %v", err)
	}
	if !ok {
		t.Fatalf("cancel must succeed after the lease lapses")
	}
	assertMessageStatus(t, db, "msg_c", domain.StatusCancelled)
}

func TestInboundAuditRowKeyedOnProviderMsgID(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	first := store.InboundMessageInsert{
		ID: "inb_1", Recipient: "15550001111",
		ProviderMsgID: "wamid.IN9", Body: "done with my workout", Now: now,
	}
	if err := st.InsertInboundMessage(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// A reprocessed event carries a fresh row id but the same provider
	// message id; the write must be a no-op.
	replay := first
	replay.ID = "inb_2"
	if err := st.InsertInboundMessage(ctx, replay); err != nil {
		t.Fatalf("replay insert: %v", err)
	}

	var count int
	err := db.QueryRow(ctx, `SELECT count(*) FROM inbound_messages WHERE provider_msg_id=$1`, "wamid.IN9").Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one audit row, got %d", count)
	}
}

func TestFlagOverdueOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()
	target := now.Add(-time.Hour)

	if err := st.InsertMessage(ctx, store.MessageInsert{
		ID: "msg_late", Recipient: "15550001111", SenderID: "coach_1",
		Kind: "accountability", Body: "time to check in",
		SendMode: domain.SendAtTime, TargetTime: &target,
		Status: domain.StatusScheduled, Now: now.Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	flagged, err := st.FlagOverdue(ctx, now, 10*time.Minute)
	if err != nil {
		t.Fatalf("flag overdue: %v", err)
	}
	if len(flagged) != 1 || flagged[0].ID != "msg_late" {
		t.Fatalf("expected msg_late flagged, got %+v", flagged)
	}

	flagged, err = st.FlagOverdue(ctx, now, 10*time.Minute)
	if err != nil {
		t.Fatalf("second flag overdue: %v", err)
	}
	if len(flagged) != 0 {
		t.Fatalf("overdue row must be surfaced exactly once, got %+v", flagged)
	}

	due, err := st.SelectDue(ctx, now, 10*time.Minute, 2*time.Minute, 100)
	if err != nil {
		t.Fatalf("select due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("overdue message must not be dispatched, got %+v", due)
	}
}

func TestDeliveryStateMonotonic(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	insertPending(t, st, "msg_d", "15550001111", now)
	if err := st.SeedDeliveryStatus(ctx, "wamid.D1", "msg_d", now); err != nil {
		t.Fatalf("seed: %v", err)
	}

	found, advanced, err := st.ApplyDeliveryState(ctx, "wamid.D1", domain.DeliveryRead, now)
	if err != nil || !found || !advanced {
		t.Fatalf("read: found=%v advanced=%v err=%v", found, advanced, err)
	}

	// Late delivered event must not regress the record.
	found, advanced, err = st.ApplyDeliveryState(ctx, "wamid.D1", domain.DeliveryDelivered, now)
	if err != nil || !found {
		t.Fatalf("delivered: found=%v err=%v", found, err)
	}
	if advanced {
		t.Fatalf("backward transition must be a no-op")
	}

	rec, found, err := st.GetDeliveryStatus(ctx, "wamid.D1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if rec.State != domain.DeliveryRead {
		t.Fatalf("expected read, got %s", rec.State)
	}

	found, _, err = st.ApplyDeliveryState(ctx, "wamid.UNKNOWN", domain.DeliveryDelivered, now)
	if err != nil {
		t.Fatalf("orphan apply: %v", err)
	}
	if found {
		t.Fatalf("unknown provider id must report not found")
	}
}

func TestDedupLedger(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	now := time.Now().UTC()

	disp, err := st.RecordEvent(ctx, "wamid.E1", "inbound", []byte(`{}`), now)
	if err != nil || disp != pg.EventNew {
		t.Fatalf("first record: disp=%v err=%v", disp, err)
	}

	disp, err = st.RecordEvent(ctx, "wamid.E1", "inbound", []byte(`{}`), now)
	if err != nil || disp != pg.EventInFlight {
		t.Fatalf("unprocessed replay: disp=%v err=%v", disp, err)
	}

	if err := st.MarkEventProcessed(ctx, "wamid.E1"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	disp, err = st.RecordEvent(ctx, "wamid.E1", "inbound", []byte(`{}`), now)
	if err != nil || disp != pg.EventProcessed {
		t.Fatalf("processed replay: disp=%v err=%v", disp, err)
	}

	n, err := st.IncrementOrphanRetry(ctx, "wamid.E1")
	if err != nil || n != 1 {
		t.Fatalf("orphan retry: n=%d err=%v", n, err)
	}
	n, err = st.IncrementOrphanRetry(ctx, "wamid.E1")
	if err != nil || n != 2 {
		t.Fatalf("orphan retry: n=%d err=%v", n, err)
	}
}

func insertPending(t *testing.T, st *pg.Store, id, recipient string, now time.Time) {
	t.Helper()
	if err := st.InsertMessage(context.Background(), store.MessageInsert{
		ID: id, Recipient: recipient, SenderID: "coach_1",
		Kind: "celebration", Body: "congrats on day 30",
		SendMode: domain.SendImmediate, Status: domain.StatusPending, Now: now,
	}); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func assertMessageStatus(t *testing.T, db *pgxpool.Pool, id string, want domain.MessageStatus) {
	t.Helper()
	var got string
	err := db.QueryRow(context.Background(), `SELECT status FROM outbound_messages WHERE id=$1`, id).Scan(&got)
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if got != string(want) {
		t.Fatalf("message %s: expected %s, got %s", id, want, got)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}

	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
