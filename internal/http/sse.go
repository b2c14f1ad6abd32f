package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

// handleEvents serves the pull transport. Query parameters: types
// (comma-separated event types) and ride_id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	rt, _ := actor.Recipient()
	f := events.Filter{RideID: r.URL.Query().Get("ride_id")}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, models.EventType(t))
		}
	}

	rc := http.NewResponseController(w)
	// the stream outlives the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if s.deps.RetryAfter > 0 {
		fmt.Fprintf(w, "retry: %d\n\n", s.deps.RetryAfter.Milliseconds())
	}
	_ = rc.Flush()

	sink := &sseSink{w: w, rc: rc}
	if err := s.deps.Stream.Stream(r.Context(), rt, actor.ID, f, sink); err != nil {
		s.logger.Debug("event stream ended", "recipient_id", actor.ID, "error", err)
	}
}

type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseSink) Send(e models.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, raw); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) KeepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}
