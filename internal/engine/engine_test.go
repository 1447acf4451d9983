package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/conflict"
	"github.com/marcus/shelf/internal/db"
	"github.com/marcus/shelf/internal/eventlog"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/projector"
	"github.com/marcus/shelf/internal/store"
)

const testProvider = "loopback"

// newTestEngine opens a fresh file-backed replica for deviceID whose
// gateway talks to hub. The gateway starts disconnected.
func newTestEngine(t *testing.T, hub *cloud.Hub, deviceID string, opts Options) *Engine {
	t.Helper()
	if hub != nil {
		if opts.Policy.Default == nil {
			opts.Policy = conflict.DefaultPolicy()
		}
		opts.Gateway = cloud.NewClient(cloud.NewLoopback(hub, testProvider), deviceID, opts.Policy)
	}
	path := filepath.Join(t.TempDir(), db.DefaultFileName)
	e, rep, err := Open(context.Background(), path, db.Identity{DeviceID: deviceID, Name: deviceID, Type: models.DeviceTypePhone}, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if rep.Action != db.ActionCreated {
		t.Fatalf("schema action = %s, want created", rep.Action)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func strPtr(s string) *string { return &s }

func TestItemLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, "dev-a", Options{})

	closet, err := e.CreateLocation(ctx, events.LocationFields{Name: "Closet"})
	if err != nil {
		t.Fatalf("CreateLocation: %v", err)
	}
	item, err := e.CreateItem(ctx, events.ItemFields{Title: "Scarf", Quantity: 2, LocationID: closet.ID})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if item.Version != 1 || item.LocationID != closet.ID || item.LastDevice != "dev-a" {
		t.Fatalf("created item = %+v", item)
	}

	item, err = e.UpdateItem(ctx, item.ID, 1, events.ItemUpdated{Title: strPtr("Wool scarf")})
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if item.Title != "Wool scarf" || item.Version != 2 || item.Quantity != 2 {
		t.Fatalf("updated item = %+v", item)
	}

	// Stale expected version.
	_, err = e.UpdateItem(ctx, item.ID, 1, events.ItemUpdated{Notes: strPtr("x")})
	var ce *eventlog.ConcurrencyError
	if !errors.As(err, &ce) || ce.Current != 2 {
		t.Fatalf("stale update: want ConcurrencyError at 2, got %v", err)
	}
	if Classify(err) != Retryable {
		t.Fatalf("stale update class = %s", Classify(err))
	}

	if n, _ := e.LiveCount(ctx, events.AggregateItem); n != 1 {
		t.Fatalf("live items = %d", n)
	}
	if err := e.DeleteItem(ctx, item.ID, 2, "lost"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if n, _ := e.LiveCount(ctx, events.AggregateItem); n != 0 {
		t.Fatalf("live items after delete = %d", n)
	}
	_, err = e.UpdateItem(ctx, item.ID, AnyVersion, events.ItemUpdated{Notes: strPtr("x")})
	if !errors.Is(err, ErrDeleted) {
		t.Fatalf("update deleted: want ErrDeleted, got %v", err)
	}

	got, err := e.Item(ctx, item.ID)
	if err != nil || !got.Deleted {
		t.Fatalf("deleted item = %+v, %v", got, err)
	}
	items, _ := e.Items(ctx)
	if len(items) != 0 {
		t.Fatalf("Items returned deleted item: %+v", items)
	}
	hist, _ := e.History(ctx, item.ID)
	for i, ev := range hist {
		if ev.Version != i+1 {
			t.Fatalf("history version %d at %d", ev.Version, i)
		}
	}
}

func TestIntentValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, "dev-a", Options{})

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"empty title", func() error {
			_, err := e.CreateItem(ctx, events.ItemFields{Title: "  "})
			return err
		}, ErrInvalidIntent},
		{"negative quantity", func() error {
			_, err := e.CreateItem(ctx, events.ItemFields{Title: "x", Quantity: -1})
			return err
		}, ErrInvalidIntent},
		{"unknown location", func() error {
			_, err := e.CreateItem(ctx, events.ItemFields{Title: "x", LocationID: events.NewID()})
			return err
		}, projector.ErrUnknownLocation},
		{"missing item", func() error {
			_, err := e.UpdateItem(ctx, events.NewID(), AnyVersion, events.ItemUpdated{Title: strPtr("x")})
			return err
		}, ErrNotFound},
		{"empty patch", func() error {
			loc, err := e.CreateLocation(ctx, events.LocationFields{Name: "Bin"})
			if err != nil {
				return err
			}
			_, err = e.UpdateLocation(ctx, loc.ID, AnyVersion, events.LocationUpdated{})
			return err
		}, ErrInvalidIntent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
			if Classify(err) != NeedsUser {
				t.Fatalf("class = %s, want needs_user", Classify(err))
			}
		})
	}
}

func TestMoveLocationRejectsCycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, "dev-a", Options{})

	garage, _ := e.CreateLocation(ctx, events.LocationFields{Name: "Garage"})
	shelf, _ := e.CreateLocation(ctx, events.LocationFields{Name: "Shelf", ParentID: garage.ID})
	box, err := e.CreateLocation(ctx, events.LocationFields{Name: "Box", ParentID: shelf.ID})
	if err != nil {
		t.Fatal(err)
	}

	path, err := e.LocationPath(ctx, box.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 3 || path[0].Name != "Garage" || path[2].Name != "Box" {
		t.Fatalf("path = %+v", path)
	}

	_, err = e.MoveLocation(ctx, garage.ID, AnyVersion, box.ID)
	if !errors.Is(err, projector.ErrCycle) {
		t.Fatalf("move under descendant: want ErrCycle, got %v", err)
	}

	moved, err := e.MoveLocation(ctx, box.ID, AnyVersion, "")
	if err != nil {
		t.Fatal(err)
	}
	if moved.ParentID != "" || moved.Version != 2 {
		t.Fatalf("moved = %+v", moved)
	}
}

func TestDeleteLocationMustBeEmpty(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, "dev-a", Options{})

	loc, _ := e.CreateLocation(ctx, events.LocationFields{Name: "Drawer"})
	item, _ := e.CreateItem(ctx, events.ItemFields{Title: "Pen", LocationID: loc.ID})

	err := e.DeleteLocation(ctx, loc.ID, AnyVersion)
	if !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("want ErrNotEmpty, got %v", err)
	}
	if _, err := e.UpdateItem(ctx, item.ID, AnyVersion, events.ItemUpdated{LocationID: strPtr("")}); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteLocation(ctx, loc.ID, AnyVersion); err != nil {
		t.Fatalf("delete emptied location: %v", err)
	}
	if n, _ := e.LiveCount(ctx, events.AggregateLocation); n != 0 {
		t.Fatalf("live locations = %d", n)
	}
}

func TestPushRequiresConnection(t *testing.T) {
	ctx := context.Background()
	hub := cloud.NewHub()
	e := newTestEngine(t, hub, "dev-a", Options{})

	for _, title := range []string{"Lamp", "Rug", "Vase"} {
		if _, err := e.CreateItem(ctx, events.ItemFields{Title: title, Quantity: 1}); err != nil {
			t.Fatal(err)
		}
	}

	_, err := e.Push(ctx)
	if !errors.Is(err, cloud.ErrNotConnected) {
		t.Fatalf("push while disconnected: want ErrNotConnected, got %v", err)
	}

	if err := e.Gateway().Connect(ctx); err != nil {
		t.Fatal(err)
	}
	rep, err := e.Push(ctx)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if rep.Pushed != 3 || rep.Failed != 0 {
		t.Fatalf("push report = %+v", rep)
	}
	if hub.Len() != 3 {
		t.Fatalf("hub holds %d events", hub.Len())
	}

	// Nothing new to send.
	rep, err = e.Push(ctx)
	if err != nil || rep.Pushed != 0 || rep.Queued != 0 {
		t.Fatalf("second push = %+v, %v", rep, err)
	}
	st, _ := e.Status(ctx)
	if st.Records[models.SyncSynced] != 3 {
		t.Fatalf("records = %v", st.Records)
	}
}

func TestPushBacksOffWhileOffline(t *testing.T) {
	ctx := context.Background()
	hub := cloud.NewHub()
	var (
		mu  sync.Mutex
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e := newTestEngine(t, hub, "dev-a", Options{Now: clock})
	if err := e.Gateway().Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateItem(ctx, events.ItemFields{Title: "Kettle"}); err != nil {
		t.Fatal(err)
	}

	hub.SetOffline(true)
	_, err := e.Push(ctx)
	if err == nil || Classify(err) != Retryable {
		t.Fatalf("offline push: err=%v class=%s", err, Classify(err))
	}
	st, _ := e.Status(ctx)
	if st.Records[models.SyncError] != 1 {
		t.Fatalf("records after failure = %v", st.Records)
	}

	hub.SetOffline(false)
	rep, err := e.Push(ctx)
	if err != nil || rep.Pushed != 0 {
		t.Fatalf("push before backoff elapsed = %+v, %v", rep, err)
	}

	mu.Lock()
	now = now.Add(3 * time.Second)
	mu.Unlock()
	rep, err = e.Push(ctx)
	if err != nil || rep.Pushed != 1 {
		t.Fatalf("push after backoff = %+v, %v", rep, err)
	}
}

func TestPushSurvivesClockStepBack(t *testing.T) {
	ctx := context.Background()
	hub := cloud.NewHub()
	e := newTestEngine(t, hub, "dev-a", Options{})
	if err := e.Gateway().Connect(ctx); err != nil {
		t.Fatal(err)
	}

	// The first event is written while the device clock runs an hour fast.
	fast, err := e.CreateItem(ctx, events.ItemFields{Title: "Lamp"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.DB().Conn().ExecContext(ctx, `UPDATE events SET timestamp = ? WHERE aggregate_id = ?`,
		store.Epoch(time.Now().Add(time.Hour)), fast.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep, err := e.Push(ctx); err != nil || rep.Pushed != 1 {
		t.Fatalf("first push = %+v, %v", rep, err)
	}

	// After the clock is corrected, new events carry older timestamps.
	if _, err := e.CreateItem(ctx, events.ItemFields{Title: "Rug"}); err != nil {
		t.Fatal(err)
	}
	rep, err := e.Push(ctx)
	if err != nil || rep.Queued != 1 || rep.Pushed != 1 {
		t.Fatalf("push after clock step = %+v, %v", rep, err)
	}
	if hub.Len() != 2 {
		t.Fatalf("hub holds %d events, want 2", hub.Len())
	}
}

// syncOrFail runs a full sync and fails the test on error.
func syncOrFail(t *testing.T, e *Engine) SyncReport {
	t.Helper()
	rep, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync %s: %v", e.DeviceID(), err)
	}
	return rep
}

func TestSyncResolvesConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	hub := cloud.NewHub()
	a := newTestEngine(t, hub, "device-a", Options{})
	b := newTestEngine(t, hub, "device-b", Options{})

	item, err := a.CreateItem(ctx, events.ItemFields{Title: "Tent", Quantity: 1})
	if err != nil {
		t.Fatal(err)
	}
	syncOrFail(t, a)
	if rep := syncOrFail(t, b); rep.Pull.Applied != 1 {
		t.Fatalf("b initial pull = %+v", rep.Pull)
	}

	// Both edit without seeing each other.
	if _, err := a.UpdateItem(ctx, item.ID, 1, events.ItemUpdated{Title: strPtr("Tent (2p)")}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.UpdateItem(ctx, item.ID, 1, events.ItemUpdated{Title: strPtr("Tent (4p)")}); err != nil {
		t.Fatal(err)
	}

	syncOrFail(t, a)
	repB := syncOrFail(t, b)
	if len(repB.Pull.Resolved) != 1 {
		t.Fatalf("b should resolve one conflict: %+v", repB.Pull)
	}
	syncOrFail(t, a)
	syncOrFail(t, b)

	gotA, _ := a.Item(ctx, item.ID)
	gotB, _ := b.Item(ctx, item.ID)
	if gotA.Title != gotB.Title {
		t.Fatalf("replicas diverged: a=%q b=%q", gotA.Title, gotB.Title)
	}
	if gotA.Title != "Tent (2p)" && gotA.Title != "Tent (4p)" {
		t.Fatalf("resolved title = %q", gotA.Title)
	}

	res, _ := b.Conflicts(ctx, 0)
	if len(res) != 1 {
		t.Fatalf("b resolutions = %d", len(res))
	}
	if res[0].LocalEventID == "" || res[0].RemoteEventID == "" || res[0].LocalEventID == res[0].RemoteEventID {
		t.Fatalf("resolution inputs = %+v", res[0])
	}
	if res[0].Strategy != conflict.StrategyLWW {
		t.Fatalf("strategy = %s", res[0].Strategy)
	}

	// A further round settles nothing new.
	repA := syncOrFail(t, a)
	repB = syncOrFail(t, b)
	if len(repA.Pull.Resolved)+len(repB.Pull.Resolved) != 0 {
		t.Fatalf("resolutions kept bouncing: a=%+v b=%+v", repA.Pull, repB.Pull)
	}
}

func TestSyncFieldMergeKeepsBothEdits(t *testing.T) {
	ctx := context.Background()
	hub := cloud.NewHub()
	policy := conflict.Policy{Default: conflict.LastWriterWins{}, ByType: map[events.AggregateType]conflict.Strategy{
		events.AggregateItem: conflict.FieldMerge{},
	}}
	a := newTestEngine(t, hub, "device-a", Options{Policy: policy})
	b := newTestEngine(t, hub, "device-b", Options{Policy: policy})

	item, _ := a.CreateItem(ctx, events.ItemFields{Title: "Drill", Quantity: 1})
	syncOrFail(t, a)
	syncOrFail(t, b)

	qty := 3
	a.UpdateItem(ctx, item.ID, AnyVersion, events.ItemUpdated{Quantity: &qty})
	b.UpdateItem(ctx, item.ID, AnyVersion, events.ItemUpdated{Notes: strPtr("charger in case")})

	for i := 0; i < 2; i++ {
		syncOrFail(t, a)
		syncOrFail(t, b)
	}
	for _, e := range []*Engine{a, b} {
		got, _ := e.Item(ctx, item.ID)
		if got.Quantity != 3 || got.Notes != "charger in case" {
			t.Fatalf("%s merged item = %+v", e.DeviceID(), got)
		}
	}
}

func TestApplyRemoteSkipsDuplicatesAndBadEvents(t *testing.T) {
	ctx := context.Background()
	hub := cloud.NewHub()
	a := newTestEngine(t, hub, "device-a", Options{})
	b := newTestEngine(t, hub, "device-b", Options{})

	item, _ := a.CreateItem(ctx, events.ItemFields{Title: "Mug"})
	evs, _ := a.History(ctx, item.ID)

	res, err := b.ApplyRemote(ctx, evs)
	if err != nil || res.Applied != 1 {
		t.Fatalf("first apply = %+v, %v", res, err)
	}
	res, err = b.ApplyRemote(ctx, evs)
	if err != nil || res.Duplicates != 1 || res.Applied != 0 {
		t.Fatalf("second apply = %+v, %v", res, err)
	}

	bad := evs[0]
	bad.ID = events.NewID()
	bad.AggregateID = events.NewID()
	bad.Data = json.RawMessage(`{"title":`)
	res, err = b.ApplyRemote(ctx, []events.Event{bad})
	if err != nil || len(res.Failed) != 1 {
		t.Fatalf("corrupt apply = %+v, %v", res, err)
	}
	if Classify(res.Failed[0].Err) != Fatal {
		t.Fatalf("corrupt payload class = %s", Classify(res.Failed[0].Err))
	}

	hist, _ := b.SyncHistory(ctx, 10)
	if len(hist) != 3 || hist[2].Status != statusError {
		t.Fatalf("history = %+v", hist)
	}
	devs, _ := b.Devices(ctx)
	if len(devs) != 2 {
		t.Fatalf("devices on b = %+v", devs)
	}
}

func TestFollowAppliesPushedUpdates(t *testing.T) {
	hub := cloud.NewHub()
	a := newTestEngine(t, hub, "device-a", Options{})
	b := newTestEngine(t, hub, "device-b", Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Gateway().Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Gateway().Connect(ctx); err != nil {
		t.Fatal(err)
	}

	got := make(chan ApplyResult, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Follow(ctx, func(r ApplyResult) {
			if r.Applied > 0 {
				select {
				case got <- r:
				default:
				}
			}
		})
	}()

	// The subscription registers asynchronously, so keep producing until
	// one update lands.
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-got:
			cancel()
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				t.Fatalf("follow: %v", err)
			}
			if n, _ := b.LiveCount(context.Background(), events.AggregateItem); n == 0 {
				t.Fatal("follower applied nothing")
			}
			return
		case <-tick.C:
			if _, err := a.CreateItem(ctx, events.ItemFields{Title: "Ping"}); err != nil {
				t.Fatal(err)
			}
			if _, err := a.Push(ctx); err != nil {
				t.Fatal(err)
			}
		case <-ctx.Done():
			t.Fatal("no update delivered")
		}
	}
}

func TestDegradedEngine(t *testing.T) {
	ctx := context.Background()
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	e, _, err := Open(ctx, filepath.Join(blocker, "nested", db.DefaultFileName), db.Identity{DeviceID: "dev-x"}, Options{})
	if !errors.Is(err, db.ErrConnectionFailed) {
		t.Fatalf("want ErrConnectionFailed, got %v", err)
	}
	if e == nil || e.Degraded() == nil {
		t.Fatal("expected a degraded engine")
	}
	defer e.Close()

	items, err := e.Items(ctx)
	if err != nil || len(items) != 0 {
		t.Fatalf("degraded Items = %v, %v", items, err)
	}
	_, err = e.CreateItem(ctx, events.ItemFields{Title: "x"})
	if !errors.Is(err, db.ErrNoSession) || Classify(err) != NeedsUser {
		t.Fatalf("degraded write: %v (%s)", err, Classify(err))
	}
	st, err := e.Status(ctx)
	if err != nil || st.Degraded == "" || st.DeviceID != "dev-x" {
		t.Fatalf("degraded status = %+v, %v", st, err)
	}
}

func TestExportJSON(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, "dev-a", Options{})
	loc, _ := e.CreateLocation(ctx, events.LocationFields{Name: "Attic", Extra: map[string]any{"floor": "3"}})
	price := 12.5
	e.CreateItem(ctx, events.ItemFields{Title: "Fan", Quantity: 1, Price: &price, LocationID: loc.ID})

	data, err := e.ExportJSON(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Format    string           `json:"format"`
		Items     []map[string]any `json:"items"`
		Locations []map[string]any `json:"locations"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if len(doc.Items) != 1 || len(doc.Locations) != 1 {
		t.Fatalf("export = %s", data)
	}
	if doc.Items[0]["location_id"] != loc.ID || doc.Items[0]["price"] != 12.5 {
		t.Fatalf("item record = %v", doc.Items[0])
	}
	if doc.Locations[0]["floor"] != "3" {
		t.Fatalf("location extra lost: %v", doc.Locations[0])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureClass
	}{
		{nil, NoFailure},
		{&eventlog.ConcurrencyError{AggregateID: "x", Attempted: 2, Current: 2}, Retryable},
		{cloud.ErrNotConnected, Retryable},
		{&cloud.SyncError{Op: "push", Retryable: true, Err: errors.New("reset")}, Retryable},
		{&cloud.SyncError{Op: "push", Retryable: false, Err: errors.New("401")}, NeedsUser},
		{ErrNotFound, NeedsUser},
		{projector.ErrCycle, NeedsUser},
		{db.ErrSchemaTooNew, Fatal},
		{events.ErrUnknownEventType, Fatal},
		{errors.New("mystery"), Fatal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
