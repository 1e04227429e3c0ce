package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/ssau-fiit/cloudocs-collab/access"
	"github.com/ssau-fiit/cloudocs-collab/crdt"
	"github.com/ssau-fiit/cloudocs-collab/errors"
	"github.com/ssau-fiit/cloudocs-collab/session"
)

func peerCmd() *cli.Command {
	return &cli.Command{
		Name:  "peer",
		Usage: "Join a room as a headless editor and apply an edit script",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8080", Usage: "Base URL of the hub"},
			&cli.StringFlag{Name: "room", Aliases: []string{"r"}, Required: true, Usage: "Room to join"},
			&cli.StringFlag{Name: "token", Aliases: []string{"t"}, Required: true, EnvVars: []string{"CLOUDOCS_TOKEN"}, Usage: "Access token"},
			&cli.StringFlag{Name: "permission", Aliases: []string{"p"}, Value: string(access.ReadWrite), Usage: "owner|read_write|read_only"},
			&cli.StringFlag{Name: "name", Usage: "Display name shown to other peers"},
			&cli.StringFlag{Name: "color", Value: "#3b82f6", Usage: "Cursor color shown to other peers"},
			&cli.StringFlag{Name: "script", Aliases: []string{"f"}, Usage: "Edit script file, - for stdin"},
			&cli.BoolFlag{Name: "stay", Usage: "Keep the session open after the script until interrupted"},
		},
		Action: runPeer,
	}
}

func wsEndpoint(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v1/ws/collaborate"
}

func runPeer(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	perm, err := access.Parse(c.String("permission"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	room, token := c.String("room"), c.String("token")
	svc := &session.HTTPRoomService{BaseURL: c.String("server"), AccessToken: token}
	scfg, err := session.LoadInitialContent(ctx, svc, session.Config{
		Endpoint:        wsEndpoint(c.String("server")),
		Room:            room,
		Credential:      token,
		Permission:      perm,
		MaxBackoff:      cfg.MaxBackoff(),
		MaxRetries:      cfg.MaxRetries,
		OutboundQueue:   cfg.OutboundQueue,
		Heartbeat:       cfg.Heartbeat(),
		PresenceTimeout: cfg.PresenceTimeout(),
	})
	if err != nil {
		return fmt.Errorf("could not load room %s: %w", room, err)
	}

	s := session.New(scfg, crdt.New(room, crdt.WithMaxPending(cfg.MaxPendingOps)))
	synced := make(chan struct{}, 1)
	s.OnStatus(func(st session.Status) {
		log.Info().Str("room", room).Str("status", string(st)).Msg("status changed")
		if st == session.StatusConnected {
			select {
			case synced <- struct{}{}:
			default:
			}
		}
	})
	failed := make(chan error, 1)
	s.OnError(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})

	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer s.Disconnect()

	if name := c.String("name"); name != "" {
		err := s.Presence().SetLocalState(map[string]any{
			"name":    name,
			"color":   c.String("color"),
			"isOwner": perm == access.Owner,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to announce presence")
		}
	}

	saved := make(chan error, 1)
	if perm == access.Owner {
		saver := session.NewSaver(s, svc, cfg.SnapshotInterval())
		go func() { saved <- saver.Run(ctx) }()
	} else {
		saved <- nil
	}

	select {
	case <-synced:
	case err := <-failed:
		return err
	case <-ctx.Done():
		return nil
	}

	if path := c.String("script"); path != "" {
		if err := runScript(ctx, s, path); err != nil {
			return err
		}
	}

	text, err := s.Text(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, text)

	if c.Bool("stay") {
		select {
		case err := <-failed:
			return err
		case <-ctx.Done():
		}
	}
	s.Disconnect()
	if err := <-saved; err != nil && !errors.Is(err, errors.ErrAccessDenied) && ctx.Err() == nil {
		return fmt.Errorf("final save failed: %w", err)
	}
	return nil
}

func runScript(ctx context.Context, s *session.Session, path string) error {
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	return applyScript(ctx, s, in)
}

// applyScript applies one operation per line. Blank lines and lines
// starting with # are skipped.
func applyScript(ctx context.Context, s *session.Session, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Text()
		if trimmed := strings.TrimSpace(raw); trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		op, err := parseOperation(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := op.apply(ctx, s); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return scanner.Err()
}
