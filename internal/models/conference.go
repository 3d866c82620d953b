package models

import (
	"strings"
	"time"
)

// SchemaVersion is stamped on every persisted document.
const SchemaVersion = 1

type RoomEvent struct {
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Room is the persisted settings record of one conference bridge.
type Room struct {
	SchemaVersion      int         `json:"schema_version"`
	RoomID             string      `json:"room_id"`
	PinHash            string      `json:"pin_hash,omitempty"`
	PinSetAt           *time.Time  `json:"pin_set_at,omitempty"`
	Locked             bool        `json:"locked"`
	Recording          bool        `json:"recording"`
	RecordingFile      string      `json:"recording_file,omitempty"`
	RecordingStartedAt *time.Time  `json:"recording_started_at,omitempty"`
	RecordingStoppedAt *time.Time  `json:"recording_stopped_at,omitempty"`
	MusicPlaying       bool        `json:"music_playing"`
	MusicClass         string      `json:"music_class,omitempty"`
	MaxParticipants    int         `json:"max_participants"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	EndedAt            *time.Time  `json:"ended_at,omitempty"`
	History            []RoomEvent `json:"history,omitempty"`
}

func (r Room) HasPin() bool { return r.PinHash != "" }

// RoomView is the API shape of a Room; the PIN hash never leaves the service.
type RoomView struct {
	RoomID             string      `json:"room_id"`
	HasPin             bool        `json:"has_pin"`
	PinSetAt           *time.Time  `json:"pin_set_at,omitempty"`
	Locked             bool        `json:"locked"`
	Recording          bool        `json:"recording"`
	RecordingFile      string      `json:"recording_file,omitempty"`
	RecordingStartedAt *time.Time  `json:"recording_started_at,omitempty"`
	RecordingStoppedAt *time.Time  `json:"recording_stopped_at,omitempty"`
	MusicPlaying       bool        `json:"music_playing"`
	MusicClass         string      `json:"music_class,omitempty"`
	MaxParticipants    int         `json:"max_participants"`
	CreatedAt          *time.Time  `json:"created_at,omitempty"`
	UpdatedAt          *time.Time  `json:"updated_at,omitempty"`
	EndedAt            *time.Time  `json:"ended_at,omitempty"`
	History            []RoomEvent `json:"history,omitempty"`
}

func (r Room) View() RoomView {
	v := RoomView{
		RoomID:             r.RoomID,
		HasPin:             r.HasPin(),
		PinSetAt:           r.PinSetAt,
		Locked:             r.Locked,
		Recording:          r.Recording,
		RecordingFile:      r.RecordingFile,
		RecordingStartedAt: r.RecordingStartedAt,
		RecordingStoppedAt: r.RecordingStoppedAt,
		MusicPlaying:       r.MusicPlaying,
		MusicClass:         r.MusicClass,
		MaxParticipants:    r.MaxParticipants,
		EndedAt:            r.EndedAt,
		History:            r.History,
	}
	if !r.CreatedAt.IsZero() {
		created := r.CreatedAt
		v.CreatedAt = &created
	}
	if !r.UpdatedAt.IsZero() {
		updated := r.UpdatedAt
		v.UpdatedAt = &updated
	}
	return v
}

// RoomPatch carries the settings a merge may touch. Nil fields are left alone.
type RoomPatch struct {
	Locked          *bool   `json:"locked,omitempty"`
	MusicClass      *string `json:"music_class,omitempty"`
	MaxParticipants *int    `json:"max_participants,omitempty"`
}

// RoomSummary is one line of the live bridge listing.
type RoomSummary struct {
	RoomID           string `json:"room_id"`
	ParticipantCount int    `json:"participant_count"`
	MarkedCount      int    `json:"marked_count"`
	Locked           bool   `json:"locked"`
	Muted            bool   `json:"muted"`
}

// Participant is a live channel in a bridge. It is never persisted.
type Participant struct {
	Channel       string `json:"channel"`
	CallerID      string `json:"caller_id,omitempty"`
	Flags         string `json:"flags,omitempty"`
	UserProfile   string `json:"user_profile,omitempty"`
	BridgeProfile string `json:"bridge_profile,omitempty"`
	Menu          string `json:"menu,omitempty"`
	Admin         bool   `json:"admin"`
	Marked        bool   `json:"marked"`
	Muted         bool   `json:"muted"`
	Waiting       bool   `json:"waiting"`
	TalkVolume    int    `json:"talk_volume"`
	ListenVolume  int    `json:"listen_volume"`
}

// Channel is one entry of the PBX's concise channel listing.
type Channel struct {
	Name        string `json:"name"`
	Context     string `json:"context,omitempty"`
	Extension   string `json:"extension,omitempty"`
	State       string `json:"state,omitempty"`
	Application string `json:"application,omitempty"`
	CallerID    string `json:"caller_id,omitempty"`
	BridgeID    string `json:"bridge_id,omitempty"`
}

// Endpoint strips the per-call suffix: "PJSIP/2001-0000000a" -> "PJSIP/2001".
func (c Channel) Endpoint() string {
	slash := strings.IndexByte(c.Name, '/')
	if slash < 0 {
		return c.Name
	}
	if dash := strings.LastIndexByte(c.Name, '-'); dash > slash {
		return c.Name[:dash]
	}
	return c.Name
}

// RoomStatus combines persisted settings with the live participant list.
type RoomStatus struct {
	Room         RoomView      `json:"room"`
	Participants []Participant `json:"participants"`
}
