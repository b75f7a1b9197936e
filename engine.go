package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/web"
)

// engine holds the federation components built from the configuration.
type engine struct {
	conf       *util.AppConfig
	logger     *log.Logger
	db         *db.DB
	redis      *db.RedisActivityLog
	fetcher    *activitypub.Fetcher
	resolver   *activitypub.Resolver
	deliverer  *activitypub.Deliverer
	queue      *activitypub.DeliveryQueue
	dispatcher *activitypub.Dispatcher
	inbox      *activitypub.Inbox
	federator  *activitypub.Federator
}

func newEngine(ctx context.Context, conf *util.AppConfig) (*engine, error) {
	logger := util.NewLogger(os.Stderr, conf.Conf.LogLevel, conf.Conf.LogFormat)
	if conf.Source == "" {
		logger.Warn("No config file found, using embedded defaults")
	} else {
		logger.Debug("Loaded config", "path", conf.Source)
	}
	fed := conf.Conf.Federation
	baseURL := conf.BaseURL()
	userAgent := util.UserAgent(baseURL)

	dbPath := conf.Conf.Database
	if dbPath != ":memory:" {
		dbPath = util.ResolveFilePath(dbPath)
	}
	database, err := db.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}
	e := &engine{conf: conf, logger: logger, db: database}

	fetchCfg := activitypub.FetcherConfig{
		Timeout:     fed.FetchTimeout,
		MaxAttempts: fed.FetchMaxAttempts,
		UserAgent:   userAgent,
		Logger:      logger,
	}
	if fed.SignedFetch != "" {
		signer, err := database.ReadAccountByUsername(ctx, fed.SignedFetch, "")
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("signed fetch account %s: %w", fed.SignedFetch, err)
		}
		key, err := util.ParsePrivateKeyPem(signer.PrivateKeyPem)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("signed fetch account %s: %w", fed.SignedFetch, err)
		}
		fetchCfg.SigningKeyId = signer.PublicKeyId
		fetchCfg.SigningKey = key
	}
	e.fetcher = activitypub.NewFetcher(fetchCfg)

	e.resolver = activitypub.NewResolver(activitypub.ResolverConfig{
		Accounts:  database,
		Fetcher:   e.fetcher,
		WebFinger: activitypub.NewWebFingerClient(e.fetcher),
		BaseURL:   baseURL,
		TTL:       fed.ActorCacheTTL,
		Logger:    logger,
	})

	e.deliverer = activitypub.NewDeliverer(activitypub.DeliveryConfig{
		Timeout:     fed.DeliveryTimeout,
		MaxAttempts: fed.FetchMaxAttempts,
		Concurrency: fed.DeliveryWorkers,
		UserAgent:   userAgent,
		Logger:      logger,
	})
	e.federator = activitypub.NewFederator(database, e.deliverer, baseURL, logger)

	return e, nil
}

// startInbound builds the inbound pipeline and the delivery queue. Only
// serve needs them.
func (e *engine) startInbound(ctx context.Context) error {
	fed := e.conf.Conf.Federation

	var activityLog activitypub.ActivityLog = e.db
	if e.conf.Conf.Redis.Addr != "" {
		client, err := db.NewRedisClient(ctx, e.conf.Conf.Redis.Addr, e.conf.Conf.Redis.Password, e.conf.Conf.Redis.DB)
		if err != nil {
			return err
		}
		e.redis = db.NewRedisActivityLog(client, fed.DedupRetention)
		activityLog = e.redis
		e.logger.Info("Using Redis replay guard", "addr", e.conf.Conf.Redis.Addr)
	}

	e.queue = activitypub.NewDeliveryQueue(e.deliverer, fed.DeliveryWorkers, fed.DeliveryQueueSize, fed.DeliveryTimeout*time.Duration(fed.FetchMaxAttempts), e.logger)
	e.dispatcher = activitypub.NewDispatcher(activitypub.Deps{
		Accounts:  e.db,
		Follows:   e.db,
		Notes:     e.db,
		Reactions: e.db,
		Resolver:  e.resolver,
		Fetcher:   e.fetcher,
		Outbox:    e.queue,
		BaseURL:   e.conf.BaseURL(),
		Logger:    e.logger,
	})
	e.inbox = activitypub.NewInbox(activitypub.NewDeduplicator(activityLog, e.logger), e.dispatcher, e.logger)
	return nil
}

func (e *engine) server() *web.Server {
	fed := e.conf.Conf.Federation
	return web.NewServer(web.ServerConfig{
		Accounts: e.db,
		Notes:    e.db,
		Verifier: activitypub.NewSignatureVerifier(e.resolver, fed.RequireDigest, fed.MaxClockSkew, e.logger),
		Inbox:    e.inbox,
		BaseURL:  e.conf.BaseURL(),
		Domain:   e.conf.Conf.SslDomain,
		Logger:   e.logger,
	})
}

// resolve looks up an actor by URI or acct handle.
func (e *engine) resolve(ctx context.Context, target string, refresh bool) (*domain.Account, error) {
	if u, err := url.Parse(target); err == nil && (u.Scheme == "https" || u.Scheme == "http") {
		return e.resolver.ResolveActor(ctx, target, refresh)
	}
	return e.resolver.ResolveActorByAcct(ctx, target)
}

func (e *engine) localAccount(ctx context.Context, username string) (*domain.Account, error) {
	acc, err := e.db.ReadAccountByUsername(ctx, username, "")
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("no local account named %s", username)
	}
	return acc, err
}

func (e *engine) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("Failed to close redis client", "err", err)
		}
	}
	if err := e.db.Close(); err != nil {
		e.logger.Warn("Failed to close database", "err", err)
	}
}
