package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/conflict"
	"github.com/marcus/shelf/internal/db"
	"github.com/marcus/shelf/internal/engine"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/relay"
	"github.com/marcus/shelf/internal/vclock"
)

const testToken = "relay-token"

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := relay.OpenStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open relay store: %v", err)
	}
	srv := httptest.NewServer(relay.NewServer(relay.Config{AuthToken: testToken, MaxPullLimit: 1000}, st, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return srv
}

func itemEvent(t *testing.T, dev string) events.Event {
	t.Helper()
	ev, err := events.New(events.NewID(), events.ItemCreated{ItemFields: events.ItemFields{Title: "drill"}})
	if err != nil {
		t.Fatal(err)
	}
	ev.DeviceID = dev
	ev.Version = 1
	ev.Clock = vclock.Clock{dev: 1}
	ev.Timestamp = time.Now().UTC()
	return ev
}

func TestPingChecksToken(t *testing.T) {
	srv := startRelay(t)
	ctx := context.Background()

	if err := New(srv.URL, testToken).Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	err := New(srv.URL, "nope").Ping(ctx)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	var se *statusError
	if !errors.As(err, &se) || se.Retryable() {
		t.Fatalf("401 must not be retryable: %v", err)
	}
}

func TestUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, testToken).Ping(context.Background())
	if !errors.Is(err, cloud.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestServerErrorsAreRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"code":"internal","message":"draining"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, testToken).Pull(context.Background(), "dev-a", 0, 10)
	var se *statusError
	if !errors.As(err, &se) || !se.Retryable() || se.Status != http.StatusServiceUnavailable {
		t.Fatalf("want retryable 503, got %v", err)
	}
	var ae *apiError
	if !errors.As(err, &ae) || ae.Message != "draining" {
		t.Fatalf("api error body not parsed: %v", err)
	}
}

func TestPushPullRoundTrip(t *testing.T) {
	srv := startRelay(t)
	ctx := context.Background()
	c := New(srv.URL, testToken)

	a := itemEvent(t, "dev-a")
	res, err := c.Push(ctx, "dev-a", []events.Event{a})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(res.Accepted) != 1 || res.ServerTimestamp == 0 {
		t.Fatalf("push result = %+v", res)
	}

	page, err := c.Pull(ctx, "dev-b", 0, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].ID != a.ID || page.HasMore {
		t.Fatalf("pull page = %+v", page)
	}
	if page.Events[0].Clock.Get("dev-a") != 1 {
		t.Fatalf("clock lost in transit: %v", page.Events[0].Clock)
	}

	own, err := c.Pull(ctx, "dev-a", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(own.Events) != 0 || own.ServerTimestamp != res.ServerTimestamp {
		t.Fatalf("own events must be skipped but advance the cursor: %+v", own)
	}

	if err := c.RegisterDevice(ctx, models.Device{ID: "dev-a", Name: "garage", Type: models.DeviceTypeTablet}); err != nil {
		t.Fatal(err)
	}
	ds, err := c.Devices(ctx)
	if err != nil || len(ds) != 1 || ds[0].Name != "garage" {
		t.Fatalf("devices = %+v, %v", ds, err)
	}
}

func TestSubscribePolls(t *testing.T) {
	srv := startRelay(t)
	c := New(srv.URL, testToken)
	c.PollInterval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stored before subscribing: not delivered.
	if _, err := c.Push(ctx, "dev-a", []events.Event{itemEvent(t, "dev-a")}); err != nil {
		t.Fatal(err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, "dev-b", func(u cloud.Update) {
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range u.Events {
				got = append(got, ev.ID)
			}
		})
	}()

	// Give the subscriber time to read the head.
	time.Sleep(100 * time.Millisecond)
	fresh := itemEvent(t, "dev-a")
	if _, err := c.Push(ctx, "dev-a", []events.Event{fresh, itemEvent(t, "dev-b")}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != fresh.ID {
		t.Fatalf("delivered = %v, want only %s", got, fresh.ID)
	}
}

func openEngine(t *testing.T, url, deviceID string) *engine.Engine {
	t.Helper()
	policy := conflict.DefaultPolicy()
	gw := cloud.NewClient(New(url, testToken), deviceID, policy)
	path := filepath.Join(t.TempDir(), db.DefaultFileName)
	e, _, err := engine.Open(context.Background(), path,
		db.Identity{DeviceID: deviceID, Name: deviceID, Type: models.DeviceTypeDesktop},
		engine.Options{Gateway: gw, Policy: policy})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEnginesSyncThroughRelay(t *testing.T) {
	srv := startRelay(t)
	ctx := context.Background()
	a := openEngine(t, srv.URL, "device-a")
	b := openEngine(t, srv.URL, "device-b")

	shed, err := a.CreateLocation(ctx, events.LocationFields{Name: "Shed"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.CreateItem(ctx, events.ItemFields{Title: "Rake", Quantity: 1, LocationID: shed.ID}); err != nil {
		t.Fatal(err)
	}

	repA, err := a.Sync(ctx)
	if err != nil {
		t.Fatalf("sync a: %v", err)
	}
	if repA.Push.Pushed != 2 {
		t.Fatalf("a pushed %d, want 2", repA.Push.Pushed)
	}
	repB, err := b.Sync(ctx)
	if err != nil {
		t.Fatalf("sync b: %v", err)
	}
	if repB.Pull.Applied != 2 {
		t.Fatalf("b applied %d, want 2", repB.Pull.Applied)
	}

	items, err := b.ItemsIn(ctx, shed.ID)
	if err != nil || len(items) != 1 || items[0].Title != "Rake" {
		t.Fatalf("b items in shed = %+v, %v", items, err)
	}

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Provider != ProviderName || st.Records[models.SyncSynced] != 2 {
		t.Fatalf("a status = %+v", st)
	}
}
