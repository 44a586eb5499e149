package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haulkind/dispatch-engine/internal/auth"
	"github.com/haulkind/dispatch-engine/internal/dispatch"
	"github.com/haulkind/dispatch-engine/internal/distance"
	"github.com/haulkind/dispatch-engine/internal/ingest"
	"github.com/haulkind/dispatch-engine/internal/jobs"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/payout"
	"github.com/haulkind/dispatch-engine/internal/pricing"
	"github.com/haulkind/dispatch-engine/internal/storage"
)

type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (models.Quote, error)
}

type JobService interface {
	Create(ctx context.Context, in jobs.NewJob) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	Events(ctx context.Context, id string) ([]models.Event, error)
	ConfirmQuote(ctx context.Context, id string) (*models.Job, error)
	RecordPayment(ctx context.Context, id, provider, ref string) (*models.Job, dispatch.Result, error)
	Cancel(ctx context.Context, id, reason string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id string) (*models.Job, error)
	Advance(ctx context.Context, id, driverID string, to models.JobStatus) (*models.Job, error)
}

type OfferService interface {
	Accept(ctx context.Context, offerID, driverID string) (*storage.Acceptance, error)
	Decline(ctx context.Context, offerID, driverID string) (*models.JobOffer, error)
	PendingOffers(ctx context.Context, driverID string) ([]*models.JobOffer, error)
}

type PayoutLedger interface {
	Finalize(ctx context.Context, jobID string, d payout.Disposal) (*models.Payout, bool, error)
	MarkPaid(ctx context.Context, payoutID string) (*models.Payout, error)
	List(ctx context.Context, status models.PayoutStatus) ([]*models.Payout, error)
}

// Deps wires the server. Distance, Locations, WS and Ready are optional.
type Deps struct {
	Quoter      Quoter
	Catalog     pricing.Catalog
	Distance    distance.Estimator
	Jobs        JobService
	Offers      OfferService
	Drivers     storage.DriverRepository
	Payouts     PayoutLedger
	Locations   ingest.Publisher
	WS          *dispatch.WSRegistry
	Auth        auth.Authenticator
	Ready       func(ctx context.Context) error
	CORSOrigins []string
	Logger      *slog.Logger
}

type Server struct {
	Deps
	logger  *slog.Logger
	mux     *mux.Router
	handler http.Handler
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	s.handler = corsMiddleware(d.CORSOrigins)(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quotes", s.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/service-areas/locate", s.handleLocate).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(auth.RequireAuth(s.Auth))

	customer := []auth.Role{auth.RoleCustomer, auth.RoleAdmin}
	anyone := []auth.Role{auth.RoleCustomer, auth.RoleDriver, auth.RoleAdmin}
	crew := []auth.Role{auth.RoleDriver, auth.RoleAdmin}

	authed.Handle("/jobs", only(s.handleCreateJob, auth.RoleCustomer)).Methods(http.MethodPost)
	authed.Handle("/jobs/{id}", only(s.handleGetJob, anyone...)).Methods(http.MethodGet)
	authed.Handle("/jobs/{id}/events", only(s.handleJobEvents, anyone...)).Methods(http.MethodGet)
	authed.Handle("/jobs/{id}/confirm", only(s.handleConfirm, customer...)).Methods(http.MethodPost)
	authed.Handle("/jobs/{id}/payment", only(s.handlePayment, customer...)).Methods(http.MethodPost)
	authed.Handle("/jobs/{id}/cancel", only(s.handleCancel, customer...)).Methods(http.MethodPost)
	authed.Handle("/jobs/{id}/status", only(s.handleStatus, auth.RoleDriver)).Methods(http.MethodPost)
	authed.Handle("/jobs/{id}/complete", only(s.handleComplete, crew...)).Methods(http.MethodPost)
	authed.Handle("/jobs/{id}/finalize", only(s.handleFinalize, crew...)).Methods(http.MethodPost)

	authed.Handle("/drivers/me/offers", only(s.handleDriverOffers, auth.RoleDriver)).Methods(http.MethodGet)
	authed.Handle("/drivers/me/availability", only(s.handleAvailability, auth.RoleDriver)).Methods(http.MethodPost)
	authed.Handle("/offers/{id}/accept", only(s.handleAccept, auth.RoleDriver)).Methods(http.MethodPost)
	authed.Handle("/offers/{id}/decline", only(s.handleDecline, auth.RoleDriver)).Methods(http.MethodPost)

	authed.Handle("/admin/payouts", only(s.handleListPayouts, auth.RoleAdmin)).Methods(http.MethodGet)
	authed.Handle("/admin/payouts/export", only(s.handleExportPayouts, auth.RoleAdmin)).Methods(http.MethodGet)
	authed.Handle("/admin/payouts/{id}/paid", only(s.handleMarkPaid, auth.RoleAdmin)).Methods(http.MethodPost)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(auth.RequireAuth(s.Auth))
	internal.Handle("/driver/locations", only(s.handleDriverLocation, crew...)).Methods(http.MethodPost)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(tokenFromQuery, auth.RequireAuth(s.Auth))
	ws.HandleFunc("/{driver_id}", s.handleWS).Methods(http.MethodGet)
}

func only(h http.HandlerFunc, roles ...auth.Role) http.Handler {
	return auth.RequireRole(roles...)(h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ready"))
}
