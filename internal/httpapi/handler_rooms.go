package httpapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"confbridge-admin/internal/apperr"
	"confbridge-admin/internal/models"
	"confbridge-admin/internal/rooms"
)

// roomParam returns the {room} path value. A room id may carry '/', which
// clients send escaped; an undecodable value is passed on and fails validation.
func roomParam(r *http.Request) string {
	raw := chi.URLParam(r, "room")
	if room, err := url.PathUnescape(raw); err == nil {
		return room
	}
	return raw
}

// channelParam returns the {channel} path value. Channel names carry a '/',
// so clients send it escaped.
func channelParam(r *http.Request) (string, error) {
	ch, err := url.PathUnescape(chi.URLParam(r, "channel"))
	if err != nil {
		return "", apperr.Invalid("channel", "is not a valid path segment")
	}
	return ch, nil
}

func ListRoomsHandler(svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.ListRooms(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"rooms": list})
	}
}

func RoomStatusHandler(svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(r.Context(), roomParam(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"room": st.Room, "participants": st.Participants})
	}
}

func PatchRoomHandler(svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch models.RoomPatch
		if err := decodeBody(w, r, &patch); err != nil {
			writeError(w, r, err)
			return
		}
		room, err := svc.Merge(r.Context(), roomParam(r), patch)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"room": room.View()})
	}
}

func ListParticipantsHandler(svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps, err := svc.ListParticipants(r.Context(), roomParam(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"participants": ps})
	}
}

type roomOp func(ctx context.Context, room string) (models.Room, error)

// RoomActionHandler runs a body-less room command and returns the new state.
func RoomActionHandler(op roomOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := op(r.Context(), roomParam(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"room": room.View()})
	}
}

type mohRequest struct {
	Class string `json:"class"`
}

func StartMusicHandler(svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mohRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		room, err := svc.StartMusic(r.Context(), roomParam(r), req.Class)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"room": room.View()})
	}
}

type participantOp func(ctx context.Context, room, channel string) (models.Room, error)

func ParticipantActionHandler(op participantOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		room, err := op(r.Context(), roomParam(r), ch)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"room": room.View()})
	}
}

func AdmitHandler(svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := svc.AdmitFromWaitingRoom(r.Context(), roomParam(r), ch); err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, nil)
	}
}

type pinRequest struct {
	Pin string `json:"pin"`
}

func SetPinHandler(svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pinRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		room, err := svc.SetPin(r.Context(), roomParam(r), req.Pin)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"room": room.View()})
	}
}

func VerifyPinHandler(svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pinRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		ok, err := svc.VerifyPin(r.Context(), roomParam(r), req.Pin)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"valid": ok})
	}
}

type maxParticipantsRequest struct {
	MaxParticipants *int `json:"max_participants"`
}

func SetMaxParticipantsHandler(svc *rooms.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req maxParticipantsRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.MaxParticipants == nil {
			writeError(w, r, apperr.Invalid("max_participants", "is required"))
			return
		}
		room, err := svc.SetMaxParticipants(r.Context(), roomParam(r), *req.MaxParticipants)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"room": room.View()})
	}
}
