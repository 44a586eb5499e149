package httpapi

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/auth"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/observability"
	"github.com/haulkind/dispatch-engine/internal/payout"
)

// offerView is what a driver sees before deciding on an offer.
type offerView struct {
	models.JobOffer
	ServiceType      models.ServiceType `json:"service_type"`
	PickupAddress    string             `json:"pickup_address"`
	VolumeTier       models.VolumeTier  `json:"volume_tier,omitempty"`
	Hours            float64            `json:"hours,omitempty"`
	ScheduledFor     *time.Time         `json:"scheduled_for,omitempty"`
	EstimatedPayout  float64            `json:"estimated_payout"`
	SecondsToRespond int                `json:"seconds_to_respond"`
}

func (s *Server) handleDriverOffers(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	offers, err := s.Offers.PendingOffers(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now()
	out := make([]offerView, 0, len(offers))
	for _, o := range offers {
		job, err := s.Jobs.Get(r.Context(), o.JobID)
		if err != nil {
			s.logger.Warn("offer without job", "offer_id", o.ID, "job_id", o.JobID, "err", err)
			continue
		}
		pay, _ := payout.Amounts(job.ServicePrice, nil, nil)
		out = append(out, offerView{
			JobOffer:         *o,
			ServiceType:      job.ServiceType,
			PickupAddress:    job.Pickup.Address,
			VolumeTier:       job.VolumeTier,
			Hours:            job.Hours,
			ScheduledFor:     job.ScheduledFor,
			EstimatedPayout:  pay,
			SecondsToRespond: max(0, int(o.ExpiresAt.Sub(now).Seconds())),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": out})
}

type availabilityBody struct {
	Online bool          `json:"online"`
	Loc    *models.Coord `json:"loc"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	var body availabilityBody
	if err := decode(r, availabilitySchema, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	before, err := s.Drivers.GetDriver(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now().UTC()
	d, err := s.Drivers.SetDriverOnline(r.Context(), p.ID, body.Online, now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case !before.Online && d.Online:
		observability.DriversOnline.Inc()
	case before.Online && !d.Online:
		observability.DriversOnline.Dec()
	}
	if body.Loc != nil && s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), models.DriverLocation{DriverID: p.ID, Loc: *body.Loc, At: now}); err != nil {
			s.logger.Warn("publish location failed", "driver_id", p.ID, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	acc, err := s.Offers.Accept(r.Context(), mux.Vars(r)["id"], p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offer":      acc.Offer,
		"assignment": acc.Assignment,
		"job":        acc.Job,
	})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	o, err := s.Offers.Decline(r.Context(), mux.Vars(r)["id"], p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offer": o})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	var loc models.DriverLocation
	if err := decode(r, locationSchema, &loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.Role == auth.RoleDriver && loc.DriverID != p.ID {
		s.writeError(w, r, apperr.New(apperr.KindForbidden, "http.driver_location", "drivers may only report their own position"))
		return
	}
	if loc.At.IsZero() {
		loc.At = time.Now().UTC()
	}
	if s.Locations == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.Locations.PublishLocation(r.Context(), loc); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindInternal, "http.driver_location", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Payouts.List(r.Context(), models.PayoutStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Payout{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": list})
}

func (s *Server) handleExportPayouts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Payouts.List(r.Context(), models.PayoutStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := payout.ExportXLSX(&buf, list); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindInternal, "http.export_payouts", err))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="payouts.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	p, err := s.Payouts.MarkPaid(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS registers a live session for the caller; offers and assignment notices
// are pushed over it. The session ends when the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	p, _ := auth.PrincipalFromContext(r.Context())
	if p.ID != id && p.Role != auth.RoleAdmin {
		s.writeError(w, r, apperr.New(apperr.KindForbidden, "http.ws", "session id does not match caller"))
		return
	}
	if s.WS == nil {
		s.writeError(w, r, apperr.New(apperr.KindNotFound, "http.ws", "live sessions are disabled"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "id", id, "err", err)
		return
	}
	s.WS.Add(id, conn)
	s.logger.Info("ws session opened", "id", id)
	defer func() {
		s.WS.Remove(id, conn)
		_ = conn.Close()
		s.logger.Info("ws session closed", "id", id)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
