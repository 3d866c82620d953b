// Package rooms manages conference bridge settings and dispatches room
// commands to the PBX. A PBX command always runs before the matching state
// change is written, so stored state never claims something the PBX refused.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"confbridge-admin/internal/apperr"
	"confbridge-admin/internal/cliparse"
	"confbridge-admin/internal/models"
	"confbridge-admin/internal/pbx"
	"confbridge-admin/internal/store"
)

// ErrNoPin is returned by VerifyPin and RemovePin when the room has no PIN.
var ErrNoPin = fmt.Errorf("room has no pin set: %w", apperr.ErrNotFound)

var (
	pinPattern      = regexp.MustCompile(`^[0-9]{4,12}$`)
	unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// Room history events.
const (
	EventSettingsUpdated    = "settings_updated"
	EventPinSet             = "pin_set"
	EventPinRemoved         = "pin_removed"
	EventLocked             = "locked"
	EventUnlocked           = "unlocked"
	EventParticipantMuted   = "participant_muted"
	EventParticipantUnmuted = "participant_unmuted"
	EventParticipantKicked  = "participant_kicked"
	EventRecordingStarted   = "recording_started"
	EventRecordingStopped   = "recording_stopped"
	EventMusicStarted       = "music_started"
	EventMusicStopped       = "music_stopped"
	EventConferenceEnded    = "conference_ended"
)

// Commander runs one PBX command. *pbx.Gateway implements it.
type Commander interface {
	Run(ctx context.Context, cmd pbx.Command) (pbx.Reply, error)
}

type Options struct {
	RecordingsPath  string
	RecordingFormat string
	DefaultMOHClass string
	HistoryLimit    int
	PinCost         int
	Now             func() time.Time
	Logger          *slog.Logger
}

type Service struct {
	docs   store.Documents[models.Room]
	pbx    Commander
	opts   Options
	logger *slog.Logger
}

func NewService(docs store.Documents[models.Room], cmd Commander, opts Options) *Service {
	if opts.RecordingFormat == "" {
		opts.RecordingFormat = "wav"
	}
	if opts.DefaultMOHClass == "" {
		opts.DefaultMOHClass = "default"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if opts.PinCost == 0 {
		opts.PinCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{docs: docs, pbx: cmd, opts: opts, logger: logger.With("component", "rooms")}
}

// Get returns the stored settings, or an empty default for an unknown room.
func (s *Service) Get(ctx context.Context, room string) (models.Room, error) {
	if err := pbx.ValidateRoom(room); err != nil {
		return models.Room{}, err
	}
	r, ok, err := s.docs.Get(ctx, room)
	if err != nil {
		return models.Room{}, fmt.Errorf("get room %s: %w", room, err)
	}
	if !ok {
		return models.Room{SchemaVersion: models.SchemaVersion, RoomID: room}, nil
	}
	return r, nil
}

// Merge applies the non-nil fields of patch.
func (s *Service) Merge(ctx context.Context, room string, patch models.RoomPatch) (models.Room, error) {
	if err := pbx.ValidateRoom(room); err != nil {
		return models.Room{}, err
	}
	if patch.MaxParticipants != nil && *patch.MaxParticipants < 0 {
		return models.Room{}, apperr.Invalid("max_participants", "must not be negative")
	}
	if patch.MusicClass != nil && *patch.MusicClass != "" {
		if err := pbx.ValidateClass(*patch.MusicClass); err != nil {
			return models.Room{}, err
		}
	}

	return s.update(ctx, room, EventSettingsUpdated, describePatch(patch), func(r *models.Room, _ time.Time) error {
		if patch.Locked != nil {
			r.Locked = *patch.Locked
		}
		if patch.MusicClass != nil {
			r.MusicClass = *patch.MusicClass
		}
		if patch.MaxParticipants != nil {
			r.MaxParticipants = *patch.MaxParticipants
		}
		return nil
	})
}

func describePatch(p models.RoomPatch) string {
	var d string
	if p.Locked != nil {
		d += fmt.Sprintf("locked=%t ", *p.Locked)
	}
	if p.MusicClass != nil {
		d += fmt.Sprintf("music_class=%s ", *p.MusicClass)
	}
	if p.MaxParticipants != nil {
		d += fmt.Sprintf("max_participants=%d ", *p.MaxParticipants)
	}
	if len(d) > 0 {
		d = d[:len(d)-1]
	}
	return d
}

func (s *Service) SetMaxParticipants(ctx context.Context, room string, n int) (models.Room, error) {
	return s.Merge(ctx, room, models.RoomPatch{MaxParticipants: &n})
}

// update is the single read-merge-write path: it creates the room on first
// write, stamps updated_at and appends one history event.
func (s *Service) update(ctx context.Context, room, event, detail string, mutate func(r *models.Room, now time.Time) error) (models.Room, error) {
	r, err := s.docs.Update(ctx, room, func(r *models.Room, exists bool) error {
		now := s.opts.Now().UTC()
		if !exists {
			r.SchemaVersion = models.SchemaVersion
			r.RoomID = room
			r.CreatedAt = now
		}
		if now.Before(r.UpdatedAt) {
			now = r.UpdatedAt
		}
		if err := mutate(r, now); err != nil {
			return err
		}
		r.UpdatedAt = now
		r.History = append(r.History, models.RoomEvent{Event: event, Detail: detail, Timestamp: now})
		if over := len(r.History) - s.opts.HistoryLimit; over > 0 {
			r.History = append([]models.RoomEvent(nil), r.History[over:]...)
		}
		return nil
	})
	if err != nil {
		return models.Room{}, fmt.Errorf("update room %s: %w", room, err)
	}
	s.logger.Info("room updated", "room", room, "event", event)
	return r, nil
}

func (s *Service) SetPin(ctx context.Context, room, pin string) (models.Room, error) {
	if err := pbx.ValidateRoom(room); err != nil {
		return models.Room{}, err
	}
	if !pinPattern.MatchString(pin) {
		return models.Room{}, apperr.Invalid("pin", "must be 4-12 digits")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.opts.PinCost)
	if err != nil {
		return models.Room{}, fmt.Errorf("hash pin: %w", err)
	}

	return s.update(ctx, room, EventPinSet, "", func(r *models.Room, now time.Time) error {
		r.PinHash = string(hash)
		r.PinSetAt = &now
		return nil
	})
}

func (s *Service) RemovePin(ctx context.Context, room string) (models.Room, error) {
	if err := pbx.ValidateRoom(room); err != nil {
		return models.Room{}, err
	}
	return s.update(ctx, room, EventPinRemoved, "", func(r *models.Room, _ time.Time) error {
		if !r.HasPin() {
			return ErrNoPin
		}
		r.PinHash = ""
		r.PinSetAt = nil
		return nil
	})
}

// VerifyPin reports whether pin matches. A room without a PIN yields ErrNoPin.
func (s *Service) VerifyPin(ctx context.Context, room, pin string) (bool, error) {
	r, err := s.Get(ctx, room)
	if err != nil {
		return false, err
	}
	if !r.HasPin() {
		return false, ErrNoPin
	}
	err = bcrypt.CompareHashAndPassword([]byte(r.PinHash), []byte(pin))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare pin: %w", err)
	}
	return true, nil
}

func (s *Service) run(ctx context.Context, cmd pbx.Command) (pbx.Reply, error) {
	reply, err := s.pbx.Run(ctx, cmd)
	if err != nil {
		return reply, fmt.Errorf("%s %s: %w", cmd.Action, cmd.Room, err)
	}
	return reply, nil
}

func (s *Service) LockRoom(ctx context.Context, room string) (models.Room, error) {
	return s.setLock(ctx, room, true)
}

func (s *Service) UnlockRoom(ctx context.Context, room string) (models.Room, error) {
	return s.setLock(ctx, room, false)
}

func (s *Service) setLock(ctx context.Context, room string, locked bool) (models.Room, error) {
	action, event := pbx.ActionLock, EventLocked
	if !locked {
		action, event = pbx.ActionUnlock, EventUnlocked
	}
	if _, err := s.run(ctx, pbx.Command{Action: action, Room: room}); err != nil {
		return models.Room{}, err
	}
	return s.update(ctx, room, event, "", func(r *models.Room, _ time.Time) error {
		r.Locked = locked
		return nil
	})
}

// MuteParticipant mutes one channel, or every participant for pbx.AllChannels.
func (s *Service) MuteParticipant(ctx context.Context, room, channel string) (models.Room, error) {
	return s.participantAction(ctx, pbx.ActionMute, EventParticipantMuted, room, channel)
}

func (s *Service) UnmuteParticipant(ctx context.Context, room, channel string) (models.Room, error) {
	return s.participantAction(ctx, pbx.ActionUnmute, EventParticipantUnmuted, room, channel)
}

func (s *Service) KickParticipant(ctx context.Context, room, channel string) (models.Room, error) {
	return s.participantAction(ctx, pbx.ActionKick, EventParticipantKicked, room, channel)
}

func (s *Service) participantAction(ctx context.Context, action pbx.Action, event, room, channel string) (models.Room, error) {
	if _, err := s.run(ctx, pbx.Command{Action: action, Room: room, Channel: channel}); err != nil {
		return models.Room{}, err
	}
	return s.update(ctx, room, event, channel, func(*models.Room, time.Time) error { return nil })
}

func (s *Service) StartRecording(ctx context.Context, room string) (models.Room, error) {
	current, err := s.Get(ctx, room)
	if err != nil {
		return models.Room{}, err
	}
	if current.Recording {
		return models.Room{}, errRecordingActive
	}

	file := s.recordingPath(room)
	if _, err := s.run(ctx, pbx.Command{Action: pbx.ActionRecordStart, Room: room, File: file}); err != nil {
		return models.Room{}, err
	}
	return s.update(ctx, room, EventRecordingStarted, file, func(r *models.Room, now time.Time) error {
		if r.Recording {
			return errRecordingActive
		}
		r.Recording = true
		r.RecordingFile = file
		r.RecordingStartedAt = &now
		r.RecordingStoppedAt = nil
		return nil
	})
}

var errRecordingActive = apperr.Invalid("recording", "is already in progress")

// recordingPath names the file after the room. Room characters that are not
// safe in a file name become '_'.
func (s *Service) recordingPath(room string) string {
	safe := unsafeFileChars.ReplaceAllString(room, "_")
	name := fmt.Sprintf("%s-%d.%s", safe, s.opts.Now().Unix(), s.opts.RecordingFormat)
	if s.opts.RecordingsPath == "" {
		return name
	}
	return filepath.Join(s.opts.RecordingsPath, name)
}

func (s *Service) StopRecording(ctx context.Context, room string) (models.Room, error) {
	if _, err := s.run(ctx, pbx.Command{Action: pbx.ActionRecordStop, Room: room}); err != nil {
		return models.Room{}, err
	}
	return s.update(ctx, room, EventRecordingStopped, "", func(r *models.Room, now time.Time) error {
		r.Recording = false
		r.RecordingStoppedAt = &now
		return nil
	})
}

// StartMusic starts music on hold; an empty class uses the room's stored class
// or the configured default.
func (s *Service) StartMusic(ctx context.Context, room, class string) (models.Room, error) {
	if class == "" {
		current, err := s.Get(ctx, room)
		if err != nil {
			return models.Room{}, err
		}
		class = current.MusicClass
	}
	if class == "" {
		class = s.opts.DefaultMOHClass
	}

	if _, err := s.run(ctx, pbx.Command{Action: pbx.ActionMOHStart, Room: room, Class: class}); err != nil {
		return models.Room{}, err
	}
	return s.update(ctx, room, EventMusicStarted, class, func(r *models.Room, _ time.Time) error {
		r.MusicPlaying = true
		r.MusicClass = class
		return nil
	})
}

func (s *Service) StopMusic(ctx context.Context, room string) (models.Room, error) {
	if _, err := s.run(ctx, pbx.Command{Action: pbx.ActionMOHStop, Room: room}); err != nil {
		return models.Room{}, err
	}
	return s.update(ctx, room, EventMusicStopped, "", func(r *models.Room, _ time.Time) error {
		r.MusicPlaying = false
		return nil
	})
}

// EndConference removes every participant and resets the live flags. A bridge
// the PBX no longer knows about is treated as already ended.
func (s *Service) EndConference(ctx context.Context, room string) (models.Room, error) {
	current, err := s.Get(ctx, room)
	if err != nil {
		return models.Room{}, err
	}

	if current.Recording {
		if _, err := s.run(ctx, pbx.Command{Action: pbx.ActionRecordStop, Room: room}); err != nil {
			s.logger.Warn("stop recording on end failed", "room", room, "error", err)
		}
	}

	if _, err := s.run(ctx, pbx.Command{Action: pbx.ActionKick, Room: room, Channel: pbx.AllChannels}); err != nil {
		var cerr *pbx.ExternalCommandError
		if !errors.As(err, &cerr) || cerr.Kind != pbx.KindRejected {
			return models.Room{}, err
		}
		s.logger.Info("bridge already gone on end", "room", room, "output", cerr.Output)
	}

	return s.update(ctx, room, EventConferenceEnded, "", func(r *models.Room, now time.Time) error {
		r.Locked = false
		if r.Recording {
			r.Recording = false
			r.RecordingStoppedAt = &now
		}
		r.MusicPlaying = false
		r.EndedAt = &now
		return nil
	})
}

// ListRooms returns the bridges currently live on the PBX.
func (s *Service) ListRooms(ctx context.Context) ([]models.RoomSummary, error) {
	reply, err := s.run(ctx, pbx.Command{Action: pbx.ActionList})
	if err != nil {
		return nil, err
	}
	rooms := cliparse.ParseRoomList(reply.Raw)
	if rooms == nil {
		rooms = []models.RoomSummary{}
	}
	return rooms, nil
}

// ListParticipants returns the live channels of room. A bridge the PBX does
// not know is reported as not found.
func (s *Service) ListParticipants(ctx context.Context, room string) ([]models.Participant, error) {
	reply, err := s.run(ctx, pbx.Command{Action: pbx.ActionParticipants, Room: room})
	if err != nil {
		var cerr *pbx.ExternalCommandError
		if errors.As(err, &cerr) && cerr.Kind == pbx.KindRejected {
			return nil, apperr.NotFound("conference", room)
		}
		return nil, err
	}
	ps := cliparse.ParseParticipantList(reply.Raw)
	if ps == nil {
		ps = []models.Participant{}
	}
	return ps, nil
}

// Status combines stored settings with the live participant list. A bridge
// that is not running has no participants.
func (s *Service) Status(ctx context.Context, room string) (models.RoomStatus, error) {
	r, err := s.Get(ctx, room)
	if err != nil {
		return models.RoomStatus{}, err
	}
	ps, err := s.ListParticipants(ctx, room)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			return models.RoomStatus{}, err
		}
		ps = []models.Participant{}
	}
	return models.RoomStatus{Room: r.View(), Participants: ps}, nil
}

// AdmitFromWaitingRoom is not available: admission needs dialplan support
// the PBX integration does not have.
func (s *Service) AdmitFromWaitingRoom(ctx context.Context, room, channel string) error {
	if err := pbx.ValidateRoom(room); err != nil {
		return err
	}
	return fmt.Errorf("admit %s from waiting room %s: %w", channel, room, apperr.ErrNotSupported)
}
