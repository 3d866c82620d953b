package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"confbridge-admin/internal/apperr"
	"confbridge-admin/internal/models"
	"confbridge-admin/internal/store"
)

type recordedAnnouncement struct {
	ext   string
	event string
}

type fakeAnnouncer struct {
	mu   sync.Mutex
	seen []recordedAnnouncement
}

func (f *fakeAnnouncer) Announce(ctx context.Context, ext, event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, recordedAnnouncement{ext: ext, event: event})
}

func (f *fakeAnnouncer) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.seen))
	for _, a := range f.seen {
		out = append(out, a.event)
	}
	return out
}

func newTestService(t *testing.T, ann Announcer) (*Service, *time.Time) {
	t.Helper()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(store.NewMemory[models.Presence](), Options{
		HistoryLimit: 10,
		Announcer:    ann,
		Now:          func() time.Time { return now },
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return svc, &now
}

func TestLogoutOneOfTwoDevices(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	for _, dev := range []string{"dev1", "dev2"} {
		if _, err := svc.RecordLogin(ctx, "2001", Login{DeviceID: dev, IP: "10.0.0.5"}); err != nil {
			t.Fatalf("login %s: %v", dev, err)
		}
	}
	p, err := svc.RecordLogout(ctx, "2001", "dev1")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if p.Status != models.StatusOnline {
		t.Fatalf("expected online, got %s", p.Status)
	}
	if _, ok := p.Devices["dev2"]; !ok || len(p.Devices) != 1 {
		t.Fatalf("expected only dev2, got %v", p.Devices)
	}
	if p.LoginCount != 2 || p.LastLogout == nil {
		t.Fatalf("unexpected counters %+v", p)
	}
}

func TestLogoutAll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		devices []string
	}{
		{name: "no devices", devices: nil},
		{name: "one device", devices: []string{"web-1"}},
		{name: "three devices", devices: []string{"web-1", "web-2", "phone"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc, _ := newTestService(t, nil)
			ctx := context.Background()

			// An extension with no devices still needs a record to log out of.
			if _, err := svc.SetStatus(ctx, "2001", models.StatusAway, ""); err != nil {
				t.Fatal(err)
			}
			for _, dev := range tc.devices {
				if _, err := svc.RecordLogin(ctx, "2001", Login{DeviceID: dev}); err != nil {
					t.Fatal(err)
				}
			}

			p, err := svc.RecordLogout(ctx, "2001", LogoutAll)
			if err != nil {
				t.Fatalf("logout all: %v", err)
			}
			if len(p.Devices) != 0 || p.Status != models.StatusOffline {
				t.Fatalf("expected empty offline, got %s %v", p.Status, p.Devices)
			}
			last := p.History[len(p.History)-1]
			if last.Event != models.EventLogoutAll {
				t.Fatalf("expected logout_all event, got %s", last.Event)
			}
		})
	}
}

func TestSetStatusKeepsDevices(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	before, err := svc.RecordLogin(ctx, "2001", Login{DeviceID: "web-1"})
	if err != nil {
		t.Fatal(err)
	}

	p, err := svc.SetStatus(ctx, "2001", models.StatusDND, "in a meeting")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if p.Status != models.StatusDND || p.StatusMessage != "in a meeting" {
		t.Fatalf("unexpected status %s %q", p.Status, p.StatusMessage)
	}
	if len(p.Devices) != 1 || !p.Devices["web-1"].LastActivity.Equal(before.Devices["web-1"].LastActivity) {
		t.Fatalf("devices changed: %v", p.Devices)
	}
	if len(p.History) != len(before.History)+1 {
		t.Fatalf("expected exactly one new history entry, got %d -> %d", len(before.History), len(p.History))
	}
	last := p.History[len(p.History)-1]
	if last.Event != models.EventStatusChange || last.OldStatus != models.StatusOnline || last.NewStatus != models.StatusDND {
		t.Fatalf("unexpected history entry %+v", last)
	}
}

func TestSetStatusValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.SetStatus(ctx, "2001", "sleeping", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.SetStatus(ctx, "20 01", models.StatusAway, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBrowserCloseOnlyDevice(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	p, err := svc.RecordLogin(ctx, "2001", Login{DeviceID: "web-1", DeviceInfo: "Firefox", IP: "10.0.0.9"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.StatusOnline || p.LoginCount != 1 {
		t.Fatalf("after login: status=%s count=%d", p.Status, p.LoginCount)
	}

	p, err = svc.RecordBrowserClose(ctx, "2001", "web-1")
	if err != nil {
		t.Fatalf("browser close: %v", err)
	}
	dev := p.Devices["web-1"]
	if dev.Status != models.DeviceOffline || dev.BrowserClosedAt == nil {
		t.Fatalf("device not closed: %+v", dev)
	}
	if p.Status != models.StatusOffline {
		t.Fatalf("expected offline, got %s", p.Status)
	}
	last := p.History[len(p.History)-1]
	if last.Event != models.EventBrowserLogout {
		t.Fatalf("expected browser_logout, got %s", last.Event)
	}
}

func TestStatusReconciliation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	steps := []struct {
		name string
		run  func() (models.Presence, error)
		want models.PresenceStatus
	}{
		{"login", func() (models.Presence, error) { return svc.RecordLogin(ctx, "2002", Login{DeviceID: "a"}) }, models.StatusOnline},
		{"busy", func() (models.Presence, error) { return svc.SetStatus(ctx, "2002", models.StatusBusy, "") }, models.StatusBusy},
		{"second login keeps busy", func() (models.Presence, error) { return svc.RecordLogin(ctx, "2002", Login{DeviceID: "b"}) }, models.StatusBusy},
		{"one logout keeps busy", func() (models.Presence, error) { return svc.RecordLogout(ctx, "2002", "a") }, models.StatusBusy},
		{"last device closes", func() (models.Presence, error) { return svc.RecordBrowserClose(ctx, "2002", "b") }, models.StatusOffline},
		{"manual online", func() (models.Presence, error) { return svc.SetStatus(ctx, "2002", models.StatusOnline, "") }, models.StatusOnline},
		{"device event overrides manual online", func() (models.Presence, error) { return svc.RecordLogout(ctx, "2002", "b") }, models.StatusOffline},
		{"login after offline", func() (models.Presence, error) { return svc.RecordLogin(ctx, "2002", Login{DeviceID: "c"}) }, models.StatusOnline},
	}

	for _, step := range steps {
		p, err := step.run()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if p.Status != step.want {
			t.Fatalf("%s: expected %s, got %s", step.name, step.want, p.Status)
		}
	}
}

func TestUnknownTargets(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "9999"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("get: expected not found, got %v", err)
	}
	if _, err := svc.RecordLogout(ctx, "9999", "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("logout: expected not found, got %v", err)
	}
	if _, err := svc.RecordLogout(ctx, "9999", LogoutAll); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("logout all: expected not found, got %v", err)
	}
	if _, err := svc.RecordLogin(ctx, "2001", Login{DeviceID: "web-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordBrowserClose(ctx, "2001", "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("browser close: expected not found, got %v", err)
	}
	if _, err := svc.Touch(ctx, "2001", "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("touch: expected not found, got %v", err)
	}
	if _, err := svc.RecordLogin(ctx, "2001", Login{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("login without device: expected validation, got %v", err)
	}
}

func TestTouchUpdatesActivityOnly(t *testing.T) {
	t.Parallel()

	svc, now := newTestService(t, nil)
	ctx := context.Background()

	before, err := svc.RecordLogin(ctx, "2001", Login{DeviceID: "web-1"})
	if err != nil {
		t.Fatal(err)
	}
	*now = now.Add(90 * time.Second)

	p, err := svc.Touch(ctx, "2001", "web-1")
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	d := p.Devices["web-1"]
	if !d.LastActivity.Equal(*now) || !d.LoggedInAt.Equal(before.Devices["web-1"].LoggedInAt) {
		t.Fatalf("unexpected device %+v", d)
	}
	if len(p.History) != len(before.History) {
		t.Fatal("heartbeat must not write history")
	}
}

func TestConcurrentLoginsKeepEveryDevice(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	const devices = 20
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "dev-" + string(rune('a'+i))
			if _, err := svc.RecordLogin(ctx, "2001", Login{DeviceID: id}); err != nil {
				t.Errorf("login %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	ids, err := svc.OnlineDevices(ctx, "2001")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != devices {
		t.Fatalf("lost device entries: %d of %d", len(ids), devices)
	}
	p, _ := svc.Get(ctx, "2001")
	if p.LoginCount != devices || len(p.History) != 10 {
		t.Fatalf("login_count=%d history=%d", p.LoginCount, len(p.History))
	}
}

func TestAnnouncementsFollowTransitions(t *testing.T) {
	t.Parallel()

	ann := &fakeAnnouncer{}
	svc, _ := newTestService(t, ann)
	ctx := context.Background()

	if _, err := svc.RecordLogin(ctx, "2001", Login{DeviceID: "web-1"}); err != nil {
		t.Fatal(err)
	}
	svc.Wait()
	if _, err := svc.SetStatus(ctx, "2001", models.StatusDND, ""); err != nil {
		t.Fatal(err)
	}
	svc.Wait()
	// Same status again is not a transition.
	if _, err := svc.SetStatus(ctx, "2001", models.StatusDND, "still busy"); err != nil {
		t.Fatal(err)
	}
	svc.Wait()
	if _, err := svc.RecordLogout(ctx, "2001", "ghost"); err == nil {
		t.Fatal("expected error for unknown device")
	}
	svc.Wait()

	got := ann.events()
	want := []string{models.EventLogin, "status_dnd"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected announcements %v, got %v", want, got)
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	list, err := svc.List(ctx)
	if err != nil || list == nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %v %v", list, err)
	}
	for _, ext := range []string{"3001", "1001", "2001"} {
		if _, err := svc.RecordLogin(ctx, ext, Login{DeviceID: "d"}); err != nil {
			t.Fatal(err)
		}
	}
	list, err = svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Extension != "1001" || list[2].Extension != "3001" {
		t.Fatalf("unexpected order %+v", list)
	}
}
