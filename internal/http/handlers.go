package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/auth"
	"github.com/haulkind/dispatch-engine/internal/jobs"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/payout"
	"github.com/haulkind/dispatch-engine/internal/pricing"
)

type pricingInput struct {
	ServiceAreaID    string             `json:"service_area_id"`
	ServiceType      models.ServiceType `json:"service_type"`
	VolumeCubicYards float64            `json:"volume_cubic_yards"`
	Hours            float64            `json:"hours"`
	DistanceMiles    *float64           `json:"distance_miles"`
	AddonIDs         []string           `json:"addon_ids"`
}

type quoteBody struct {
	pricingInput
	Pickup *models.Coord `json:"pickup"`
}

// quote fills in the service area and distance from the pickup point when they are omitted.
func (s *Server) quote(ctx context.Context, in pricingInput, pickup *models.Coord) (models.Quote, error) {
	const op = "http.quote"
	areaID := in.ServiceAreaID
	var area pricing.ServiceArea
	var err error
	switch {
	case areaID != "":
		area, err = s.Catalog.Area(ctx, areaID)
	case pickup != nil:
		area, err = pricing.Locate(ctx, s.Catalog, *pickup)
	default:
		return models.Quote{}, apperr.New(apperr.KindBadRequest, op, "service_area_id or a pickup location is required")
	}
	if err != nil {
		return models.Quote{}, err
	}

	var miles float64
	switch {
	case in.DistanceMiles != nil:
		miles = *in.DistanceMiles
	case pickup != nil && s.Distance != nil:
		if miles, err = s.Distance.Miles(ctx, area.Center, *pickup); err != nil {
			return models.Quote{}, apperr.Wrap(apperr.KindInternal, op, err)
		}
		miles = pricing.Round2(miles)
	default:
		return models.Quote{}, apperr.New(apperr.KindBadRequest, op, "distance_miles or a pickup location is required")
	}

	return s.Quoter.Quote(ctx, pricing.QuoteRequest{
		ServiceAreaID:    area.ID,
		ServiceType:      in.ServiceType,
		VolumeCubicYards: in.VolumeCubicYards,
		Hours:            in.Hours,
		DistanceMiles:    miles,
		AddonIDs:         in.AddonIDs,
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body quoteBody
	if err := decode(r, quoteSchema, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.quote(r.Context(), body.pricingInput, body.Pickup)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if errLat != nil || errLon != nil {
		s.writeError(w, r, apperr.New(apperr.KindBadRequest, "http.locate", "lat and lon query parameters are required"))
		return
	}
	area, err := pricing.Locate(r.Context(), s.Catalog, models.Coord{Lat: lat, Lon: lon})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": area.ID, "name": area.Name})
}

type createJobBody struct {
	pricingInput
	Contact      models.Contact `json:"contact"`
	Pickup       models.Pickup  `json:"pickup"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
}

// handleCreateJob prices the request server-side; clients never submit totals.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	var body createJobBody
	if err := decode(r, createJobSchema, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.quote(r.Context(), body.pricingInput, body.Pickup.Loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.Jobs.Create(r.Context(), jobs.NewJob{
		CustomerID:   p.ID,
		Quote:        q,
		Contact:      body.Contact,
		Pickup:       body.Pickup,
		ScheduledFor: body.ScheduledFor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// visibleJob loads the job and checks the caller may see it.
func (s *Server) visibleJob(r *http.Request) (*models.Job, error) {
	id := mux.Vars(r)["id"]
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	switch {
	case p.Role == auth.RoleAdmin,
		p.Role == auth.RoleCustomer && job.CustomerID == p.ID,
		p.Role == auth.RoleDriver && job.AssignedDriverID == p.ID:
		return job, nil
	}
	return nil, apperr.New(apperr.KindForbidden, "http.job", "job %s is not visible to %s", id, p.ID)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	evs, err := s.Jobs.Events(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "status": job.Status, "events": evs})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Jobs.ConfirmQuote(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type paymentBody struct {
	Provider  string `json:"provider"`
	Reference string `json:"reference"`
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body paymentBody
	if err := decode(r, paymentSchema, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, res, err := s.Jobs.RecordPayment(r.Context(), job.ID, body.Provider, body.Reference)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": out, "dispatch": res})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, cancelSchema, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Jobs.Cancel(r.Context(), job.ID, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	var body struct {
		Status models.JobStatus `json:"status"`
	}
	if err := decode(r, statusSchema, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Jobs.Advance(r.Context(), mux.Vars(r)["id"], p.ID, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Jobs.MarkCompleted(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type finalizeBody struct {
	DisposalCostActual *float64 `json:"disposal_cost_actual"`
	DisposalReceiptURL string   `json:"disposal_receipt_url"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body finalizeBody
	if err := decode(r, finalizeSchema, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, created, err := s.Payouts.Finalize(r.Context(), job.ID, payout.Disposal{
		CostActual: body.DisposalCostActual,
		ReceiptURL: body.DisposalReceiptURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, p)
}
