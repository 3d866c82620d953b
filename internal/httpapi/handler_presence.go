package httpapi

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"confbridge-admin/internal/models"
	"confbridge-admin/internal/presence"
)

func extParam(r *http.Request) string {
	return chi.URLParam(r, "ext")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type deviceRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceInfo string `json:"device_info"`
}

// decodeDevice accepts the device id as JSON or, for beacon requests that
// cannot set a body type, as a query parameter.
func decodeDevice(w http.ResponseWriter, r *http.Request) (deviceRequest, error) {
	var req deviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		return req, err
	}
	if req.DeviceID == "" {
		req.DeviceID = r.URL.Query().Get("device_id")
	}
	return req, nil
}

func ListPresenceHandler(svc *presence.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"presence": list})
	}
}

func GetPresenceHandler(svc *presence.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Get(r.Context(), extParam(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		online, err := svc.OnlineDevices(r.Context(), p.Extension)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"presence": p, "online_devices": online})
	}
}

func LoginHandler(svc *presence.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeDevice(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		p, err := svc.RecordLogin(r.Context(), extParam(r), presence.Login{
			DeviceID:   req.DeviceID,
			DeviceInfo: req.DeviceInfo,
			IP:         clientIP(r),
			UserAgent:  r.UserAgent(),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"presence": p})
	}
}

type deviceOp func(ctx context.Context, ext, deviceID string) (models.Presence, error)

// DeviceEventHandler serves logout, browser-close and heartbeat.
func DeviceEventHandler(op deviceOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeDevice(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		p, err := op(r.Context(), extParam(r), req.DeviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"presence": p})
	}
}

type statusRequest struct {
	Status  models.PresenceStatus `json:"status"`
	Message string                `json:"message"`
}

func SetStatusHandler(svc *presence.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req statusRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		p, err := svc.SetStatus(r.Context(), extParam(r), req.Status, req.Message)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, envelope{"presence": p})
	}
}
