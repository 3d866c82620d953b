// Package presence tracks which devices an extension is logged in on and the
// status the extension shows to others.
//
// Status reconciliation: device events decide between online and offline. A
// manually set away, busy or dnd survives device events while at least one
// device stays online; when the last device goes offline the extension is
// offline. A manual online or offline is overwritten by the next device event.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"confbridge-admin/internal/apperr"
	"confbridge-admin/internal/models"
	"confbridge-admin/internal/store"
)

// LogoutAll is the device id that logs out every device of an extension.
const LogoutAll = "all"

var (
	extensionPattern = regexp.MustCompile(`^[A-Za-z0-9_.+-]{1,40}$`)
	devicePattern    = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)
)

const maxMessageLen = 200

// Announcer is told about committed transitions. It runs outside the
// request path and its failures never reach the caller.
type Announcer interface {
	Announce(ctx context.Context, ext, event string)
}

type Options struct {
	HistoryLimit    int
	AnnounceTimeout time.Duration
	Announcer       Announcer
	Now             func() time.Time
	Logger          *slog.Logger
}

type Service struct {
	docs   store.Documents[models.Presence]
	opts   Options
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewService(docs store.Documents[models.Presence], opts Options) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if opts.AnnounceTimeout <= 0 {
		opts.AnnounceTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{docs: docs, opts: opts, logger: logger.With("component", "presence")}
}

// Login describes one device login.
type Login struct {
	DeviceID   string
	DeviceInfo string
	IP         string
	UserAgent  string
}

func validateExtension(ext string) error {
	if ext == "" {
		return apperr.Invalid("extension", "is required")
	}
	if !extensionPattern.MatchString(ext) {
		return apperr.Invalid("extension", "contains unsupported characters")
	}
	return nil
}

func validateDevice(id string) error {
	if id == "" {
		return apperr.Invalid("device_id", "is required")
	}
	if !devicePattern.MatchString(id) {
		return apperr.Invalid("device_id", "contains unsupported characters")
	}
	return nil
}

// RecordLogin upserts the device as online. A repeated login for the same
// device id replaces the earlier entry.
func (s *Service) RecordLogin(ctx context.Context, ext string, in Login) (models.Presence, error) {
	if err := validateExtension(ext); err != nil {
		return models.Presence{}, err
	}
	if err := validateDevice(in.DeviceID); err != nil {
		return models.Presence{}, err
	}

	p, err := s.update(ctx, ext, true, func(p *models.Presence, now time.Time) (*models.PresenceEvent, error) {
		p.Devices[in.DeviceID] = models.Device{
			Status:       models.DeviceOnline,
			DeviceInfo:   in.DeviceInfo,
			LoggedInAt:   now,
			LastActivity: now,
			IPAddress:    in.IP,
			UserAgent:    in.UserAgent,
		}
		p.LoginCount++
		p.LastLogin = &now
		return &models.PresenceEvent{Event: models.EventLogin, DeviceID: in.DeviceID, IP: in.IP}, nil
	})
	if err != nil {
		return models.Presence{}, err
	}
	s.announce(ext, models.EventLogin)
	return p, nil
}

// RecordLogout removes one device, or every device for LogoutAll. Logging out
// all devices of an extension with none is a no-op that is still recorded.
// An extension that was never seen is not found, even for LogoutAll.
func (s *Service) RecordLogout(ctx context.Context, ext, deviceID string) (models.Presence, error) {
	if err := validateExtension(ext); err != nil {
		return models.Presence{}, err
	}
	if deviceID != LogoutAll {
		if err := validateDevice(deviceID); err != nil {
			return models.Presence{}, err
		}
	}

	event := models.EventLogout
	if deviceID == LogoutAll {
		event = models.EventLogoutAll
	}

	p, err := s.update(ctx, ext, false, func(p *models.Presence, now time.Time) (*models.PresenceEvent, error) {
		if deviceID == LogoutAll {
			p.Devices = map[string]models.Device{}
			p.LastLogout = &now
			return &models.PresenceEvent{Event: event}, nil
		}
		if _, ok := p.Devices[deviceID]; !ok {
			return nil, apperr.NotFound("device", ext+"/"+deviceID)
		}
		delete(p.Devices, deviceID)
		p.LastLogout = &now
		return &models.PresenceEvent{Event: event, DeviceID: deviceID}, nil
	})
	if err != nil {
		return models.Presence{}, err
	}
	s.announce(ext, event)
	return p, nil
}

// RecordBrowserClose marks a device offline without removing it.
func (s *Service) RecordBrowserClose(ctx context.Context, ext, deviceID string) (models.Presence, error) {
	if err := validateExtension(ext); err != nil {
		return models.Presence{}, err
	}
	if err := validateDevice(deviceID); err != nil {
		return models.Presence{}, err
	}

	p, err := s.update(ctx, ext, false, func(p *models.Presence, now time.Time) (*models.PresenceEvent, error) {
		d, ok := p.Devices[deviceID]
		if !ok {
			return nil, apperr.NotFound("device", ext+"/"+deviceID)
		}
		d.Status = models.DeviceOffline
		d.BrowserClosedAt = &now
		d.LastActivity = now
		p.Devices[deviceID] = d
		return &models.PresenceEvent{Event: models.EventBrowserLogout, DeviceID: deviceID, IP: d.IPAddress}, nil
	})
	if err != nil {
		return models.Presence{}, err
	}
	s.announce(ext, models.EventBrowserLogout)
	return p, nil
}

// SetStatus sets the displayed status directly. Devices are left alone.
func (s *Service) SetStatus(ctx context.Context, ext string, status models.PresenceStatus, message string) (models.Presence, error) {
	if err := validateExtension(ext); err != nil {
		return models.Presence{}, err
	}
	if !status.Valid() {
		return models.Presence{}, apperr.Invalid("status", "must be one of online, offline, away, busy, dnd")
	}
	if len(message) > maxMessageLen {
		return models.Presence{}, apperr.Invalid("message", fmt.Sprintf("must be at most %d bytes", maxMessageLen))
	}

	var old models.PresenceStatus
	p, err := s.docs.Update(ctx, ext, func(p *models.Presence, exists bool) error {
		now := s.opts.Now().UTC()
		if !exists {
			initPresence(p, ext)
		}
		old = p.Status
		p.Status = status
		p.StatusMessage = message
		p.StatusChangedAt = &now
		s.appendHistory(p, models.PresenceEvent{
			Event:     models.EventStatusChange,
			Timestamp: now,
			OldStatus: old,
			NewStatus: status,
			Message:   message,
		})
		return nil
	})
	if err != nil {
		return models.Presence{}, fmt.Errorf("set status %s: %w", ext, err)
	}
	s.logger.Info("status changed", "extension", ext, "old", old, "new", status)
	if old != status {
		s.announce(ext, StatusEvent(status))
	}
	return p, nil
}

// StatusEvent is the announcement event name for entering status.
func StatusEvent(status models.PresenceStatus) string {
	return "status_" + string(status)
}

// Touch refreshes last_activity of a known device. It writes no history.
func (s *Service) Touch(ctx context.Context, ext, deviceID string) (models.Presence, error) {
	if err := validateExtension(ext); err != nil {
		return models.Presence{}, err
	}
	if err := validateDevice(deviceID); err != nil {
		return models.Presence{}, err
	}

	p, err := s.docs.Update(ctx, ext, func(p *models.Presence, exists bool) error {
		if !exists {
			return apperr.NotFound("extension", ext)
		}
		d, ok := p.Devices[deviceID]
		if !ok {
			return apperr.NotFound("device", ext+"/"+deviceID)
		}
		now := s.opts.Now().UTC()
		if now.After(d.LastActivity) {
			d.LastActivity = now
		}
		p.Devices[deviceID] = d
		return nil
	})
	if err != nil {
		return models.Presence{}, fmt.Errorf("touch %s/%s: %w", ext, deviceID, err)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, ext string) (models.Presence, error) {
	if err := validateExtension(ext); err != nil {
		return models.Presence{}, err
	}
	p, ok, err := s.docs.Get(ctx, ext)
	if err != nil {
		return models.Presence{}, fmt.Errorf("get presence %s: %w", ext, err)
	}
	if !ok {
		return models.Presence{}, apperr.NotFound("extension", ext)
	}
	return p, nil
}

func (s *Service) List(ctx context.Context) ([]models.Presence, error) {
	list, err := s.docs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Extension < list[j].Extension })
	if list == nil {
		list = []models.Presence{}
	}
	return list, nil
}

// OnlineDevices returns the ids of the extension's online devices, sorted.
func (s *Service) OnlineDevices(ctx context.Context, ext string) ([]string, error) {
	p, err := s.Get(ctx, ext)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for id, d := range p.Devices {
		if d.Status == models.DeviceOnline {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Wait blocks until in-flight announcements have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// update runs a device event: it applies mutate, reconciles the status and
// appends the returned history event. Device events on an unknown extension
// fail with not found unless create is set.
func (s *Service) update(ctx context.Context, ext string, create bool, mutate func(p *models.Presence, now time.Time) (*models.PresenceEvent, error)) (models.Presence, error) {
	p, err := s.docs.Update(ctx, ext, func(p *models.Presence, exists bool) error {
		if !exists {
			if !create {
				return apperr.NotFound("extension", ext)
			}
			initPresence(p, ext)
		}
		if p.Devices == nil {
			p.Devices = map[string]models.Device{}
		}
		now := s.opts.Now().UTC()
		ev, err := mutate(p, now)
		if err != nil {
			return err
		}

		old := p.Status
		p.Status = reconcile(old, p.AnyDeviceOnline())
		if p.Status != old {
			p.StatusChangedAt = &now
			if !p.Status.Manual() {
				p.StatusMessage = ""
			}
		}
		ev.Timestamp = now
		if p.Status != old {
			ev.OldStatus, ev.NewStatus = old, p.Status
		}
		s.appendHistory(p, *ev)
		return nil
	})
	if err != nil {
		return models.Presence{}, fmt.Errorf("update presence %s: %w", ext, err)
	}
	s.logger.Info("presence updated", "extension", ext, "status", p.Status, "devices", len(p.Devices))
	return p, nil
}

func reconcile(current models.PresenceStatus, anyOnline bool) models.PresenceStatus {
	if !anyOnline {
		return models.StatusOffline
	}
	if current.Manual() {
		return current
	}
	return models.StatusOnline
}

func initPresence(p *models.Presence, ext string) {
	p.SchemaVersion = models.SchemaVersion
	p.Extension = ext
	p.Status = models.StatusOffline
	p.Devices = map[string]models.Device{}
}

func (s *Service) appendHistory(p *models.Presence, ev models.PresenceEvent) {
	p.History = append(p.History, ev)
	if over := len(p.History) - s.opts.HistoryLimit; over > 0 {
		p.History = append([]models.PresenceEvent(nil), p.History[over:]...)
	}
}

func (s *Service) announce(ext, event string) {
	if s.opts.Announcer == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.AnnounceTimeout)
		defer cancel()
		s.opts.Announcer.Announce(ctx, ext, event)
	}()
}
