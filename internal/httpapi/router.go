package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"confbridge-admin/internal/config"
	"confbridge-admin/internal/presence"
	"confbridge-admin/internal/rooms"
)

// Services bundles what the handlers call. DB may be nil when the in-memory
// store is used.
type Services struct {
	DB       Pinger
	Rooms    *rooms.Service
	Presence *presence.Service
}

func NewRouter(cfg *config.Config, svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware)
	r.Use(RecoverMiddleware)

	r.Get("/health", HealthHandler(svc.DB))
	r.Get("/version", VersionHandler())

	r.Route("/api", func(api chi.Router) {
		api.Use(APIKeyAuth(cfg))

		api.Route("/rooms", func(rr chi.Router) {
			rs := svc.Rooms
			rr.Get("/", ListRoomsHandler(rs))
			rr.Route("/{room}", func(room chi.Router) {
				room.Get("/", RoomStatusHandler(rs))
				room.Patch("/", PatchRoomHandler(rs))
				room.Get("/participants", ListParticipantsHandler(rs))

				room.Post("/lock", RoomActionHandler(rs.LockRoom))
				room.Post("/unlock", RoomActionHandler(rs.UnlockRoom))
				room.Post("/end", RoomActionHandler(rs.EndConference))
				room.Post("/record/start", RoomActionHandler(rs.StartRecording))
				room.Post("/record/stop", RoomActionHandler(rs.StopRecording))
				room.Post("/moh/start", StartMusicHandler(rs))
				room.Post("/moh/stop", RoomActionHandler(rs.StopMusic))
				room.Get("/recording", RecordingHandler(cfg, rs))

				room.Post("/participants/{channel}/mute", ParticipantActionHandler(rs.MuteParticipant))
				room.Post("/participants/{channel}/unmute", ParticipantActionHandler(rs.UnmuteParticipant))
				room.Post("/participants/{channel}/kick", ParticipantActionHandler(rs.KickParticipant))
				room.Post("/participants/{channel}/admit", AdmitHandler(rs))

				room.Put("/pin", SetPinHandler(rs))
				room.Delete("/pin", RoomActionHandler(rs.RemovePin))
				room.Post("/pin/verify", VerifyPinHandler(rs))
				room.Put("/max-participants", SetMaxParticipantsHandler(rs))
			})
		})

		api.Route("/presence", func(pr chi.Router) {
			ps := svc.Presence
			pr.Get("/", ListPresenceHandler(ps))
			pr.Route("/{ext}", func(ext chi.Router) {
				ext.Get("/", GetPresenceHandler(ps))
				ext.Post("/login", LoginHandler(ps))
				ext.Post("/logout", DeviceEventHandler(ps.RecordLogout))
				ext.Post("/browser-close", DeviceEventHandler(ps.RecordBrowserClose))
				ext.Post("/heartbeat", DeviceEventHandler(ps.Touch))
				ext.Post("/status", SetStatusHandler(ps))
			})
		})
	})

	return r
}
