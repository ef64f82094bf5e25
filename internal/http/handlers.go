package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/booking"
	"github.com/example/provider-matching/internal/matcher"
	"github.com/example/provider-matching/internal/models"
)

// actorFrom reads the identity headers set by the upstream gateway.
func actorFrom(r *http.Request) (models.Actor, error) {
	uid, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-User-ID")), 10, 64)
	if err != nil || uid <= 0 {
		return models.Actor{}, apperr.Forbidden("missing or invalid X-User-ID")
	}
	a := models.Actor{UserID: uid}
	if v := strings.TrimSpace(r.Header.Get("X-Provider-ID")); v != "" {
		pid, err := strconv.ParseInt(v, 10, 64)
		if err != nil || pid <= 0 {
			return models.Actor{}, apperr.InvalidArgument("invalid X-Provider-ID")
		}
		a.ProviderID = pid
	}
	return a, nil
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req models.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}
	if origin, ok := req.Origin(); ok && !origin.Valid() {
		s.writeError(w, r, apperr.InvalidArgument("coordinates out of range"))
		return
	}
	if (req.OriginLat == nil) != (req.OriginLon == nil) {
		s.writeError(w, r, apperr.InvalidArgument("originLat and originLon must be sent together"))
		return
	}
	b, err := s.Bookings.Create(r.Context(), actor, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func bookingID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidArgument("invalid booking id")
	}
	return id, nil
}

type actionBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleBookingAction(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := bookingID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	action, err := booking.ParseAction(mux.Vars(r)["action"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body actionBody
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, apperr.InvalidArgument("invalid request body: %v", err))
			return
		}
	}
	b, err := s.Bookings.Apply(r.Context(), actor, id, action, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := bookingID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Get(r.Context(), actor, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListUserBookings(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.Bookings.ListForUser(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list, "total": len(list)})
}

func (s *Server) handleListProviderBookings(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.Bookings.ListForProvider(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list, "total": len(list)})
}

type matchCriteria struct {
	ServiceRef string            `json:"serviceRef"`
	Category   string            `json:"category"`
	Lat        float64           `json:"lat"`
	Lon        float64           `json:"lon"`
	RadiusKm   float64           `json:"radiusKm"`
	TopN       int               `json:"topN"`
	Algorithm  matcher.Algorithm `json:"algorithm"`
}

type matchDebug struct {
	ElapsedMs  float64           `json:"elapsed_ms"`
	Candidates int               `json:"candidates"`
	Algorithm  matcher.Algorithm `json:"algorithm"`
}

type matchResponse struct {
	Providers []models.MatchResult `json:"providers"`
	Total     int                  `json:"total"`
	Criteria  matchCriteria        `json:"criteria"`
	Debug     *matchDebug          `json:"debug,omitempty"`
}

func queryFloat(q map[string][]string, key string, required bool) (float64, bool, error) {
	vals := q[key]
	if len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
		if required {
			return 0, false, apperr.InvalidArgument("%s is required", key)
		}
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64)
	if err != nil {
		return 0, false, apperr.InvalidArgument("invalid %s", key)
	}
	return f, true, nil
}

func (s *Server) handleMatchProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref, err := models.ParseServiceRef(q.Get("serviceRef"))
	if err != nil {
		s.writeError(w, r, apperr.InvalidArgument("%v", err))
		return
	}
	lat, _, err := queryFloat(q, "lat", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, _, err := queryFloat(q, "lon", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, ok, err := queryFloat(q, "radiusKm", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		radius = s.RadiusKm
	} else if radius <= 0 {
		s.writeError(w, r, apperr.InvalidArgument("radius must be > 0 km"))
		return
	}
	topN := 0
	if v := q.Get("topN"); v != "" {
		if topN, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, apperr.InvalidArgument("invalid topN"))
			return
		}
	}
	algo, err := matcher.ParseAlgorithm(q.Get("algorithm"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	debug, _ := strconv.ParseBool(q.Get("debug"))

	category, err := s.Bookings.CategoryOf(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var exclude int64
	if a, err := actorFrom(r); err == nil {
		exclude = a.ProviderID
	}
	ranking, err := s.Ranker.Rank(r.Context(), matcher.Request{
		Category:          category,
		Origin:            models.Coord{Lat: lat, Lon: lon},
		RadiusKm:          radius,
		TopN:              topN,
		Algorithm:         algo,
		ExcludeProviderID: exclude,
		Debug:             debug,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := matchResponse{
		Providers: ranking.Items,
		Total:     ranking.Total,
		Criteria: matchCriteria{
			ServiceRef: ref.String(),
			Category:   category,
			Lat:        lat,
			Lon:        lon,
			RadiusKm:   ranking.RadiusKm,
			TopN:       ranking.TopN,
			Algorithm:  ranking.Algorithm,
		},
	}
	if debug {
		resp.Debug = &matchDebug{
			ElapsedMs:  float64(ranking.Elapsed.Microseconds()) / 1000,
			Candidates: ranking.Candidates,
			Algorithm:  ranking.Algorithm,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMatchingMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Stats == nil {
		writeJSON(w, http.StatusOK, matcher.Summary{})
		return
	}
	writeJSON(w, http.StatusOK, s.Stats.Summarize())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.writeError(w, r, apperr.Unavailable(err, "not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS registers the provider's notification socket. The gateway must
// assert the same provider id in X-Provider-ID.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["provider_id"], 10, 64)
	if err != nil {
		s.writeError(w, r, apperr.InvalidArgument("invalid provider id"))
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actor.ProviderID != id {
		s.writeError(w, r, apperr.Forbidden("provider identity mismatch"))
		return
	}
	if s.WSReg == nil {
		s.writeError(w, r, apperr.Unavailable(nil, "notifications disabled"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	sess := s.WSReg.Add(id, conn)
	go func() {
		defer func() {
			s.WSReg.Remove(id, sess)
			conn.Close()
		}()
		conn.SetReadLimit(1 << 10)
		// inbound frames are ignored; the loop only detects disconnects
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
