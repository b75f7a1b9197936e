package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/web"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

var usernameRule = []validation.Rule{
	validation.Required,
	validation.Length(1, 30),
	validation.Match(regexp.MustCompile(`^[a-zA-Z0-9_]+$`)).Error("may only contain letters, digits and underscores"),
}

func main() {
	cmd := &cli.Command{
		Name:    util.Name,
		Usage:   "ActivityPub server-to-server federation engine",
		Version: util.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Sources: cli.EnvVars("TUSK_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the federation HTTP server",
				Action: serve,
			},
			{
				Name:      "useradd",
				Usage:     "Create a local account with a fresh key pair",
				ArgsUsage: "<username>",
				Action:    useradd,
			},
			{
				Name:      "resolve",
				Usage:     "Resolve a remote actor by acct handle or URI",
				ArgsUsage: "<user@host|actor URI>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "refresh", Usage: "Bypass the actor cache"},
				},
				Action: resolve,
			},
			{
				Name:      "broadcast-profile",
				Usage:     "Send an Update of a local profile to all remote followers",
				ArgsUsage: "<username>",
				Action:    broadcastProfile,
			},
			{
				Name:  "prune-activities",
				Usage: "Drop replay guard entries older than the retention",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "older-than", Usage: "Retention override, e.g. 720h"},
				},
				Action: pruneActivities,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal("Command failed", "err", err)
	}
}

func loadEngine(ctx context.Context, cmd *cli.Command) (*engine, error) {
	conf, err := util.ReadConf(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, conf)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := loadEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.startInbound(ctx); err != nil {
		return err
	}

	locals, err := e.db.ReadLocalAccounts(ctx)
	if err != nil {
		return err
	}
	if len(locals) == 0 {
		e.logger.Warn("No local accounts yet, create one with useradd")
	}

	e.logger.Info("Configuration", "accounts", len(locals), "domain", e.conf.Conf.SslDomain, "database", e.conf.Conf.Database,
		"workers", e.conf.Conf.Federation.DeliveryWorkers, "redis", e.conf.Conf.Redis.Addr != "")

	srv := e.server()
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", e.conf.Conf.Host, e.conf.Conf.HttpPort),
		Handler:           web.Router(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.logger.Info("Starting "+util.GetNameAndVersion(), "addr", httpServer.Addr, "domain", e.conf.Conf.SslDomain)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		e.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			e.logger.Error("HTTP shutdown failed", "err", err)
		}
		if err := e.queue.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("Abandoned queued deliveries", "err", err)
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case f, ok := <-e.queue.Failures():
				if !ok {
					return nil
				}
				e.logger.Warn("Delivery dropped", "inbox", f.Job.Inbox, "err", f.Err)
			}
		}
	})

	g.Go(func() error {
		srv.CleanupLimiters(ctx)
		return nil
	})

	// Redis entries expire on their own
	if e.redis == nil {
		g.Go(func() error {
			ticker := time.NewTicker(pruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					e.prune(ctx, e.conf.Conf.Federation.DedupRetention)
				}
			}
		})
	}

	return g.Wait()
}

func (e *engine) prune(ctx context.Context, retention time.Duration) (int64, error) {
	pruned, err := e.db.PruneActivities(ctx, time.Now().Add(-retention))
	if err != nil {
		e.logger.Error("Failed to prune received activities", "err", err)
		return 0, err
	}
	e.logger.Info("Pruned received activities", "count", pruned, "retention", retention)
	return pruned, nil
}

func useradd(ctx context.Context, cmd *cli.Command) error {
	username := cmd.Args().First()
	if err := validation.Validate(username, usernameRule...); err != nil {
		return fmt.Errorf("invalid username %q: %w", username, err)
	}

	e, err := loadEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if _, err := e.db.ReadAccountByUsername(ctx, username, ""); err == nil {
		return fmt.Errorf("account %s already exists", username)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	kp, err := util.GeneratePemKeypair(2048)
	if err != nil {
		return err
	}
	acc := activitypub.NewLocalAccount(uuid.New(), username, e.conf.BaseURL(), kp.Public, kp.Private, time.Now())
	if err := e.db.CreateAccount(ctx, acc); err != nil {
		return err
	}

	e.logger.Info("Created local account", "username", username, "uri", acc.URI)
	fmt.Println(acc.ToString())
	return nil
}

func resolve(ctx context.Context, cmd *cli.Command) error {
	target := cmd.Args().First()
	if target == "" {
		return errors.New("resolve needs an acct handle or actor URI")
	}

	e, err := loadEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	acc, err := e.resolve(ctx, target, cmd.Bool("refresh"))
	if err != nil {
		return err
	}
	fmt.Println(acc.ToString())
	return nil
}

func broadcastProfile(ctx context.Context, cmd *cli.Command) error {
	e, err := loadEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	acc, err := e.localAccount(ctx, cmd.Args().First())
	if err != nil {
		return err
	}

	followers, err := e.db.CountFollowers(ctx, acc.Id)
	if err != nil {
		return err
	}
	fmt.Printf("%s has %d followers\n", acc.Username, followers)

	res, err := e.federator.BroadcastProfileUpdate(ctx, acc)
	if err != nil {
		return err
	}
	for inbox, ferr := range res.Failed {
		fmt.Printf("failed: %s: %v\n", inbox, ferr)
	}
	fmt.Printf("delivered to %d inboxes, %d failed\n", res.Delivered, len(res.Failed))
	return nil
}

func pruneActivities(ctx context.Context, cmd *cli.Command) error {
	e, err := loadEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	retention := e.conf.Conf.Federation.DedupRetention
	if d := cmd.Duration("older-than"); d > 0 {
		retention = d
	}
	pruned, err := e.prune(ctx, retention)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d activities\n", pruned)
	return nil
}
