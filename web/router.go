package web

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/activitypub"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ServerConfig wires the HTTP surface to the federation engine.
type ServerConfig struct {
	Accounts activitypub.AccountStore
	Notes    activitypub.NoteStore
	Verifier *activitypub.SignatureVerifier
	Inbox    *activitypub.Inbox
	BaseURL  string // https://{domain}
	Domain   string
	Logger   *log.Logger

	// Requests per second and burst per IP. Zero values fall back to defaults.
	GlobalRate  rate.Limit
	GlobalBurst int
	InboxRate   rate.Limit
	InboxBurst  int
}

type Server struct {
	accounts      activitypub.AccountStore
	notes         activitypub.NoteStore
	verifier      *activitypub.SignatureVerifier
	inbox         *activitypub.Inbox
	baseURL       string
	domain        string
	globalLimiter *RateLimiter
	inboxLimiter  *RateLimiter
	logger        *log.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.GlobalRate == 0 {
		// 10 requests per second per IP, burst of 20
		cfg.GlobalRate, cfg.GlobalBurst = rate.Limit(10), 20
	}
	if cfg.InboxRate == 0 {
		cfg.InboxRate, cfg.InboxBurst = rate.Limit(5), 10
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	return &Server{
		accounts:      cfg.Accounts,
		notes:         cfg.Notes,
		verifier:      cfg.Verifier,
		inbox:         cfg.Inbox,
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		domain:        cfg.Domain,
		globalLimiter: NewRateLimiter(cfg.GlobalRate, cfg.GlobalBurst),
		inboxLimiter:  NewRateLimiter(cfg.InboxRate, cfg.InboxBurst),
		logger:        cfg.Logger.WithPrefix("http"),
	}
}

// CleanupLimiters evicts idle per-IP limiters until ctx is done.
func (s *Server) CleanupLimiters(ctx context.Context) {
	go s.inboxLimiter.Cleanup(ctx, 5*time.Minute)
	s.globalLimiter.Cleanup(ctx, 5*time.Minute)
}

// Router builds the gin engine serving the federation endpoints.
func Router(s *Server) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(s.globalLimiter))

	// Max 1MB request body size for ActivityPub activities
	maxBodySize := MaxBytesMiddleware(activitypub.MaxBodySize)
	verify := VerifySignature(s.verifier, s.logger)

	g.POST("/users/:username/inbox",
		RateLimitMiddleware(s.inboxLimiter), maxBodySize,
		RequireLocalUser(s.accounts), verify,
		s.HandleInbox)

	g.POST("/inbox", RateLimitMiddleware(s.inboxLimiter), maxBodySize, verify, s.HandleInbox)

	g.GET("/users/:username", s.HandleActor)
	g.GET("/notes/:id", s.HandleNote)
	g.GET("/.well-known/webfinger", s.HandleWebFinger)

	return g
}
