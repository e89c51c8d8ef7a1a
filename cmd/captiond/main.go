// Command captiond serves the captionstore operations over HTTP and,
// when nats.url is set, over NATS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/captionstore/engine/events"
	"github.com/WessleyAI/captionstore/engine/reconcile"
	"github.com/WessleyAI/captionstore/internal/app"
	"github.com/WessleyAI/captionstore/pkg/config"
	"github.com/WessleyAI/captionstore/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default ./captionstore.yaml)")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	var bus *events.Bus
	if cfg.NATS.URL != "" {
		nc, err := natsutil.Connect(cfg.NATS.URL, "captiond", logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		bus = events.NewBus(nc, logger)
	}

	s := newServer(a, bus)
	if bus != nil {
		if err := s.serveBus(ctx, g); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		logger.Info("captiond starting", "addr", cfg.Server.Addr, "nats", cfg.NATS.URL != "")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// serveBus registers the NATS handlers. Handlers run under ctx so they stop
// with the process, and keep the trace of the message that started them.
func (s *server) serveBus(ctx context.Context, g *errgroup.Group) error {
	inherit := func(msgCtx context.Context) context.Context {
		return trace.ContextWithSpanContext(ctx, trace.SpanContextFromContext(msgCtx))
	}
	subs := make([]*nats.Subscription, 0, 3)

	sub, err := s.bus.ServeSync(func(msgCtx context.Context) (reconcile.Report, error) {
		return s.sync(inherit(msgCtx))
	})
	if err != nil {
		return fmt.Errorf("nats: serve sync: %w", err)
	}
	subs = append(subs, sub)

	sub, err = s.bus.ServeLabel(func(msgCtx context.Context, req events.LabelRequest) error {
		_, err := s.label(inherit(msgCtx), labelRequest{Dir: req.Dir, Prompt: req.Prompt})
		return err
	})
	if err != nil {
		return fmt.Errorf("nats: serve label: %w", err)
	}
	subs = append(subs, sub)

	if s.app.Config.NATS.AutoSync {
		c := events.NewCoalescer(func(ctx context.Context) {
			if _, err := s.sync(ctx); err != nil {
				s.log.Error("auto-sync failed", "err", err)
			}
		})
		sub, err = s.bus.OnCaptionStored(func(context.Context, events.CaptionStored) { c.Trigger() })
		if err != nil {
			return fmt.Errorf("nats: auto-sync: %w", err)
		}
		subs = append(subs, sub)
		g.Go(func() error {
			c.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return nil
	})
	return nil
}
