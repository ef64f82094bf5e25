package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/provider-matching/internal/booking"
	"github.com/example/provider-matching/internal/dispatch"
	"github.com/example/provider-matching/internal/matcher"
)

type Ranker interface {
	Rank(ctx context.Context, req matcher.Request) (matcher.Ranking, error)
}

type Server struct {
	Bookings *booking.Service
	Ranker   Ranker
	Stats    matcher.Recorder
	WSReg    *dispatch.WSRegistry
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error

	RequestTimeout time.Duration
	RadiusKm       float64

	limiter *clientLimiter
	logger  *slog.Logger
	mux     *mux.Router
}

type Options struct {
	Bookings       *booking.Service
	Ranker         Ranker
	Stats          matcher.Recorder
	WSReg          *dispatch.WSRegistry
	Ready          func(ctx context.Context) error
	Logger         *slog.Logger
	RequestTimeout time.Duration
	RadiusKm       float64
	// BookingRate and BookingBurst bound POST /bookings per client; zero disables.
	BookingRate  float64
	BookingBurst int
}

func NewServer(o Options) *Server {
	s := &Server{
		Bookings:       o.Bookings,
		Ranker:         o.Ranker,
		Stats:          o.Stats,
		WSReg:          o.WSReg,
		Ready:          o.Ready,
		RequestTimeout: o.RequestTimeout,
		RadiusKm:       o.RadiusKm,
		logger:         o.Logger,
		mux:            mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.RadiusKm <= 0 {
		s.RadiusKm = matcher.DefaultRadiusKm
	}
	if o.BookingRate > 0 {
		s.limiter = newClientLimiter(o.BookingRate, o.BookingBurst)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/bookings", s.rateLimited(http.HandlerFunc(s.handleCreateBooking))).Methods(http.MethodPost)
	s.mux.HandleFunc("/bookings", s.handleListUserBookings).Methods(http.MethodGet)
	s.mux.HandleFunc("/bookings/provider", s.handleListProviderBookings).Methods(http.MethodGet)
	s.mux.HandleFunc("/bookings/{id:[0-9]+}", s.handleGetBooking).Methods(http.MethodGet)
	s.mux.HandleFunc("/bookings/{id:[0-9]+}/{action}", s.handleBookingAction).Methods(http.MethodPut)
	s.mux.HandleFunc("/match/providers", s.handleMatchProviders).Methods(http.MethodGet)
	s.mux.HandleFunc("/metrics/matching", s.handleMatchingMetrics).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/providers/{provider_id:[0-9]+}", s.handleWS)
	s.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Message: "route not found"})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
