// Package server handles client requests for live thread JSON, presence
// pixels, websocket connections and the write API
package server

import (
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/bakape/liveupdate/auth"
	"github.com/bakape/liveupdate/common"
	"github.com/bakape/liveupdate/db"
	"github.com/bakape/liveupdate/live"
	"github.com/bakape/liveupdate/util"
	"github.com/dimfeld/httptreemux"
	"github.com/go-playground/log"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Threads performs permission-checked reads and writes on live threads
type Threads interface {
	CreateThread(ctx context.Context, v auth.Viewer, p live.ThreadParams) (
		common.Thread, error)
	GetThread(ctx context.Context, id string, v auth.Viewer) (
		common.Thread, auth.Permissions, error)
	GetUpdates(ctx context.Context, id string, v auth.Viewer,
		p db.UpdatePage) ([]common.Update, error)
	PostUpdate(ctx context.Context, id string, v auth.Viewer, body string) (
		common.Update, error)
	DeleteUpdate(ctx context.Context, id string, v auth.Viewer,
		update uuid.UUID) error
	StrikeUpdate(ctx context.Context, id string, v auth.Viewer,
		update uuid.UUID) error
	MarkSpam(ctx context.Context, id string, v auth.Viewer,
		update uuid.UUID) error
	EditSettings(ctx context.Context, id string, v auth.Viewer,
		c live.SettingsChange) (map[string]interface{}, error)
	Close(ctx context.Context, id string, v auth.Viewer) error
	Ban(ctx context.Context, id string, v auth.Viewer) error
	Approve(ctx context.Context, id string, v auth.Viewer) error
	Invite(ctx context.Context, id string, v auth.Viewer, user uint64,
		p auth.Permissions) error
	AcceptInvite(ctx context.Context, id string, v auth.Viewer) error
	SetPermissions(ctx context.Context, id string, v auth.Viewer, user uint64,
		p auth.Permissions) error
	RemoveContributor(ctx context.Context, id string, v auth.Viewer,
		user uint64) error
}

// Presence records thread visitors and serves the most active listing
type Presence interface {
	TouchVisitor(ctx context.Context, thread, fingerprint string,
		ttl time.Duration) error
	MostActive(ctx context.Context) ([]string, error)
}

// Options of a Server
type Options struct {
	Address string

	// Domain clients connect to websockets on
	SiteDomain string

	// Serve websocket URLs with the wss scheme
	SecureWebsockets bool

	// Compress responses with gzip
	Gzip bool

	Proxy auth.Proxy

	// Lifetime of issued websocket subscription tokens
	WebsocketMaxAge time.Duration

	// Lifetime of a visitor's presence after loading the pixel
	PresenceTTL time.Duration
}

// Server serves the HTTP API
type Server struct {
	threads  Threads
	presence Presence
	tokens   *auth.TokenSigner
	socket   http.Handler
	opts     Options
}

// New creates a Server. socket serves websocket upgrade requests.
func New(
	threads Threads,
	presence Presence,
	tokens *auth.TokenSigner,
	socket http.Handler,
	opts Options,
) *Server {
	if opts.WebsocketMaxAge <= 0 {
		opts.WebsocketMaxAge = 24 * time.Hour
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 15 * time.Minute
	}
	return &Server{
		threads:  threads,
		presence: presence,
		tokens:   tokens,
		socket:   socket,
		opts:     opts,
	}
}

// ListenAndServe serves requests until ctx is canceled
func (s *Server) ListenAndServe(ctx context.Context) (err error) {
	srv := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening on " + s.opts.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		return util.WrapError("error starting web server", err)
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(),
			10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func (s *Server) handlePanic(
	w http.ResponseWriter,
	r *http.Request,
	err interface{},
) {
	http.Error(w, fmt.Sprintf("500 %s", err), 500)
	ip, ipErr := s.opts.Proxy.GetIP(r)
	if ipErr != nil {
		ip = "invalid IP"
	}
	log.Errorf("server: %s: %#v\n%s\n", ip, err, debug.Stack())
}

// Router creates the monolithic router for routing HTTP requests
func (s *Server) Router() http.Handler {
	r := httptreemux.NewContextMux()
	r.NotFoundHandler = func(w http.ResponseWriter, req *http.Request) {
		text404(w, req)
	}
	r.PanicHandler = s.handlePanic

	r.GET("/metrics", promhttp.Handler().ServeHTTP)

	l := r.NewGroup("/live")
	l.GET("/active.json", s.serveMostActive)
	l.GET("/socket", s.socket.ServeHTTP)
	l.GET("/:thread/about.json", s.serveAbout)
	l.GET("/:thread/updates.json", s.serveUpdates)
	l.GET("/:thread/pixel.png", s.servePixel)

	api := r.NewGroup("/api")
	api.GET("/health-check", healthCheck)
	api.POST("/live/create", s.createThread)

	t := api.NewGroup("/live/:thread")
	t.POST("/update", s.postUpdate)
	t.POST("/delete_update", s.updateAction(Threads.DeleteUpdate))
	t.POST("/strike_update", s.updateAction(Threads.StrikeUpdate))
	t.POST("/mark_spam", s.updateAction(Threads.MarkSpam))
	t.POST("/edit", s.editSettings)
	t.POST("/close_thread", s.threadAction(Threads.Close))
	t.POST("/ban", s.threadAction(Threads.Ban))
	t.POST("/approve", s.threadAction(Threads.Approve))
	t.POST("/accept_contributor_invite", s.threadAction(Threads.AcceptInvite))
	t.POST("/invite_contributor", s.contributorAction(Threads.Invite))
	t.POST("/set_contributor_permissions",
		s.contributorAction(Threads.SetPermissions))
	t.POST("/rm_contributor", s.removeContributor)

	h := http.Handler(r)
	if s.opts.Gzip {
		compressed := handlers.CompressHandlerLevel(h, gzip.DefaultCompression)
		h = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Hijacked websocket connections can not be compressed
			if req.URL.Path == "/live/socket" {
				r.ServeHTTP(w, req)
			} else {
				compressed.ServeHTTP(w, req)
			}
		})
	}
	return h
}

// Health check to ensure server is still online
func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("God's in His heaven, all's right with the world"))
}
