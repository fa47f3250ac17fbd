package server

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bakape/liveupdate/auth"
	"github.com/bakape/liveupdate/common"
	"github.com/bakape/liveupdate/db"
	"github.com/bakape/liveupdate/live"
	"github.com/go-playground/log"
	"github.com/google/uuid"
)

// Update log page sizes
const (
	defaultPageSize = 25
	maxPageSize     = 100
)

var (
	errInvalidUpdateID = common.ErrInvalidInput("invalid update ID")
	errInvalidLimit    = common.ErrInvalidInput("invalid limit")
)

// Transparent 1x1 PNG
var pixel = func() []byte {
	var buf bytes.Buffer
	err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	if err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

type aboutResponse struct {
	common.Thread
	Permissions  auth.Permissions `json:"permissions"`
	WebsocketURL string           `json:"websocket_url,omitempty"`
}

// Serve thread metadata and, for live threads, a websocket subscription URL
func (s *Server) serveAbout(w http.ResponseWriter, r *http.Request) {
	id := extractParam(r, "thread")
	t, perms, err := s.threads.GetThread(r.Context(), id, auth.GetViewer(r))
	if err != nil {
		httpError(w, r, err)
		return
	}

	res := aboutResponse{
		Thread:      t,
		Permissions: perms,
	}
	if t.IsLive() {
		res.WebsocketURL = s.websocketURL(id)
	}
	serveJSON(w, r, res)
}

func (s *Server) websocketURL(thread string) string {
	scheme := "ws"
	if s.opts.SecureWebsockets {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   s.opts.SiteDomain,
		Path:   "/live/socket",
		RawQuery: url.Values{
			"thread": {thread},
			"t":      {s.tokens.Issue(thread, s.opts.WebsocketMaxAge)},
		}.Encode(),
	}
	return u.String()
}

// Parse an optional update ID query parameter
func parseUpdateID(q url.Values, key string) (*uuid.UUID, error) {
	s := q.Get(key)
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, errInvalidUpdateID
	}
	return &id, nil
}

func parsePage(r *http.Request) (p db.UpdatePage, err error) {
	q := r.URL.Query()
	p.Limit = defaultPageSize
	if s := q.Get("limit"); s != "" {
		p.Limit, err = strconv.Atoi(s)
		if err != nil || p.Limit <= 0 {
			err = errInvalidLimit
			return
		}
		if p.Limit > maxPageSize {
			p.Limit = maxPageSize
		}
	}
	p.Before, err = parseUpdateID(q, "before")
	if err != nil {
		return
	}
	p.After, err = parseUpdateID(q, "after")
	if err != nil {
		return
	}
	p.IncludeHidden = q.Get("hidden") == "1"
	return
}

type renderedUpdate struct {
	common.RenderedUpdate
	Deleted bool `json:"deleted,omitempty"`
}

// Serve a page of a thread's update log ordered newest first
func (s *Server) serveUpdates(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		httpError(w, r, err)
		return
	}
	thread := extractParam(r, "thread")
	updates, err := s.threads.GetUpdates(r.Context(), thread,
		auth.GetViewer(r), p)
	if err != nil {
		httpError(w, r, err)
		return
	}

	// Clients without pixel pings still count towards short visits
	s.recordPresence(r, thread)

	res := make([]renderedUpdate, 0, len(updates))
	for _, u := range updates {
		res = append(res, renderedUpdate{
			RenderedUpdate: u.Rendered(),
			Deleted:        u.Deleted || u.Spam,
		})
	}
	serveJSON(w, r, struct {
		Updates []renderedUpdate `json:"updates"`
	}{res})
}

// Record a visitor's presence in a thread, if the thread exists and is live
// and not banned. Failures are only logged.
func (s *Server) recordPresence(r *http.Request, thread string) {
	t, _, err := s.threads.GetThread(r.Context(), thread, auth.GetViewer(r))
	if err != nil || !t.IsLive() || t.Banned {
		return
	}

	ip, err := s.opts.Proxy.GetIP(r)
	if err == nil {
		err = s.presence.TouchVisitor(r.Context(), thread,
			auth.VisitorFingerprint(ip, r.UserAgent()), s.opts.PresenceTTL)
	}
	if err != nil && !common.CanIgnoreClientError(err) {
		log.WithFields(log.F("thread", thread)).
			Warnf("recording presence: %s", err)
	}
}

// Record a visitor's presence in a thread. The pixel is always served.
func (s *Server) servePixel(w http.ResponseWriter, r *http.Request) {
	s.recordPresence(r, extractParam(r, "thread"))

	head := w.Header()
	head.Set("Content-Type", "image/png")
	head.Set("Cache-Control", "no-store")
	writeData(w, r, pixel)
}

// Serve IDs of the most active live threads, ordered descending by viewers
func (s *Server) serveMostActive(w http.ResponseWriter, r *http.Request) {
	ids, err := s.presence.MostActive(r.Context())
	if err != nil {
		httpError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	serveJSON(w, r, struct {
		Threads []string `json:"threads"`
	}{ids})
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	var req live.ThreadParams
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.threads.CreateThread(r.Context(), auth.GetViewer(r), req)
	if err != nil {
		httpError(w, r, err)
		return
	}
	serveJSON(w, r, t)
}

func (s *Server) postUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.threads.PostUpdate(r.Context(), extractParam(r, "thread"),
		auth.GetViewer(r), req.Body)
	if err != nil {
		httpError(w, r, err)
		return
	}
	serveJSON(w, r, u.Rendered())
}

// Handle requests targeting a single update of a thread
func (s *Server) updateAction(
	fn func(Threads, context.Context, string, auth.Viewer, uuid.UUID) error,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		id, err := uuid.Parse(req.ID)
		if err != nil {
			httpError(w, r, errInvalidUpdateID)
			return
		}
		err = fn(s.threads, r.Context(), extractParam(r, "thread"),
			auth.GetViewer(r), id)
		if err != nil {
			httpError(w, r, err)
		}
	}
}

// Handle body-less requests targeting a thread
func (s *Server) threadAction(
	fn func(Threads, context.Context, string, auth.Viewer) error,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(s.threads, r.Context(), extractParam(r, "thread"),
			auth.GetViewer(r))
		if err != nil {
			httpError(w, r, err)
		}
	}
}

func (s *Server) editSettings(w http.ResponseWriter, r *http.Request) {
	var req live.SettingsChange
	if !decodeJSON(w, r, &req) {
		return
	}
	diff, err := s.threads.EditSettings(r.Context(), extractParam(r, "thread"),
		auth.GetViewer(r), req)
	if err != nil {
		httpError(w, r, err)
		return
	}
	serveJSON(w, r, diff)
}

type contributorRequest struct {
	User        uint64           `json:"user"`
	Permissions auth.Permissions `json:"permissions"`
}

// Handle requests changing the permissions of a thread contributor
func (s *Server) contributorAction(
	fn func(Threads, context.Context, string, auth.Viewer, uint64,
		auth.Permissions) error,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contributorRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		err := fn(s.threads, r.Context(), extractParam(r, "thread"),
			auth.GetViewer(r), req.User, req.Permissions)
		if err != nil {
			httpError(w, r, err)
		}
	}
}

func (s *Server) removeContributor(w http.ResponseWriter, r *http.Request) {
	var req contributorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.threads.RemoveContributor(r.Context(), extractParam(r, "thread"),
		auth.GetViewer(r), req.User)
	if err != nil {
		httpError(w, r, err)
	}
}
