package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nblistener/backend/internal/client"
	"github.com/nblistener/backend/internal/logging"
	"github.com/nblistener/backend/internal/monitor"
	"github.com/nblistener/backend/internal/ws"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream session changes from a running daemon",
		RunE:  runWatch,
	}
	cmd.Flags().String("level", "info", "Log level")
	return cmd
}

// streamURL turns the daemon base URL into its websocket endpoint.
func streamURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetString("level")
	logging.Init(level, "development")
	log := logging.Component("watch")

	baseURL, token := clientFlags(cmd)
	wsURL, err := streamURL(baseURL)
	if err != nil {
		return fmt.Errorf("daemon url: %w", err)
	}

	h := client.Handler{
		Connected: func() { log.Info().Str("url", wsURL).Msg("connected") },
		Disconnected: func(err error) {
			log.Warn().Err(err).Msg("disconnected")
		},
		Snapshot: func(p ws.SnapshotPayload) {
			log.Info().
				Int("notebooks", len(p.Notebooks)).
				Str("active", string(p.Active)).
				Str("source", p.Source).
				Str("health", string(p.Health.Status)).
				Msg("snapshot")
			for _, nb := range p.Notebooks {
				log.Info().
					Str("notebook", string(nb.ID)).
					Str("session", nb.SessionID()).
					Str("status", nb.Snapshot.Status.String()).
					Msg("tracked")
			}
		},
		Delta: func(p ws.DeltaPayload) {
			for _, c := range p.Changes {
				log.Info().
					Str("notebook", string(c.Notebook)).
					Str("session", c.Snapshot.SessionID).
					Str("status", c.Snapshot.Status.String()).
					Str("previous", c.Previous.Status.String()).
					Bool("ended", c.Ended).
					Msg("session changed")
			}
		},
		SessionEnded: func(p ws.SessionEndedPayload) {
			log.Warn().Str("notebook", string(p.Notebook)).Str("session", p.SessionID).Msg("session ended")
		},
		SourceHealth: func(r monitor.HealthReport) {
			log.Info().
				Str("source", r.Source).
				Str("status", string(r.Status)).
				Int("failing", r.FailingNotebooks).
				Str("lastError", r.LastError).
				Msg("source health")
		},
		Active: func(s monitor.ActiveState) {
			log.Info().Bool("active", s.Active).Str("notebook", string(s.Notebook)).Msg("active notebook")
		},
		Error: func(p ws.ErrorPayload) {
			log.Error().Str("message", p.Message).Msg("server error")
		},
	}

	c, err := client.NewWSClient(wsURL, token, h)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
