package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ssau-fiit/cloudocs-collab/access"
	"github.com/ssau-fiit/cloudocs-collab/errors"
)

// RoomInfo is the metadata the room service keeps for a room.
type RoomInfo struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Owner   string `json:"owner"`
	Content string `json:"content"`
}

// RoomService is the external room metadata store. The collaboration core
// never persists text itself; the owner pushes snapshots here.
type RoomService interface {
	LoadRoom(ctx context.Context, room string) (RoomInfo, error)
	SaveContent(ctx context.Context, room, text string) error
}

// LoadInitialContent fills cfg.InitialContent from the room service for
// owner sessions. Other permissions get cfg back unchanged.
func LoadInitialContent(ctx context.Context, svc RoomService, cfg Config) (Config, error) {
	if cfg.Permission != access.Owner {
		return cfg, nil
	}
	info, err := svc.LoadRoom(ctx, cfg.Room)
	if err != nil {
		return cfg, err
	}
	cfg.InitialContent = info.Content
	return cfg, nil
}

// Saver pushes the session's text to a RoomService.
type Saver struct {
	session  *Session
	svc      RoomService
	interval time.Duration
}

// NewSaver returns a saver for s. An interval of zero disables periodic
// saving; Run still saves once when the session closes.
func NewSaver(s *Session, svc RoomService, interval time.Duration) *Saver {
	return &Saver{session: s, svc: svc, interval: interval}
}

// SaveNow pushes the current text. Only owner sessions that have synced
// may save; an unsynced replica would overwrite the room with its partial
// text.
func (sv *Saver) SaveNow(ctx context.Context) error {
	s := sv.session
	if s.Permission() != access.Owner {
		return errors.NewAccessDenied(s.Room())
	}
	if !s.HasSynced() {
		return errors.NewNotSynced(s.Room())
	}
	text, err := s.Text(ctx)
	if err != nil {
		return err
	}
	if err := sv.svc.SaveContent(ctx, s.Room(), text); err != nil {
		s.logger.Error().Err(err).Msg("failed to save snapshot")
		return err
	}
	s.logger.Debug().Int("runes", len([]rune(text))).Msg("snapshot saved")
	return nil
}

// Run saves every interval until ctx is done or the session closes, then
// saves one last time if the session ever synced.
func (sv *Saver) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if sv.interval > 0 {
		ticker := time.NewTicker(sv.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-tick:
			if sv.session.State() != Synced {
				continue
			}
			_ = sv.SaveNow(ctx)
		case <-sv.session.done:
			if !sv.session.HasSynced() {
				sv.session.logger.Warn().Msg("session never synced, keeping the stored snapshot")
				return nil
			}
			return sv.SaveNow(context.Background())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HTTPRoomService talks to the room endpoints served by the hub.
type HTTPRoomService struct {
	BaseURL     string
	AccessToken string
	Client      *http.Client
}

func (h *HTTPRoomService) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *HTTPRoomService) roomURL(room string) string {
	u := strings.TrimRight(h.BaseURL, "/") + "/api/v1/rooms/" + url.PathEscape(room)
	if h.AccessToken != "" {
		u += "?" + url.Values{ParamAccessToken: {h.AccessToken}}.Encode()
	}
	return u
}

// LoadRoom implements RoomService.
func (h *HTTPRoomService) LoadRoom(ctx context.Context, room string) (RoomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.roomURL(room), nil)
	if err != nil {
		return RoomInfo{}, err
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return RoomInfo{}, err
	}
	defer resp.Body.Close()
	if err := statusError(resp, room); err != nil {
		return RoomInfo{}, err
	}
	var info RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return RoomInfo{}, fmt.Errorf("decode room %s: %w", room, err)
	}
	return info, nil
}

// SaveContent implements RoomService.
func (h *HTTPRoomService) SaveContent(ctx context.Context, room, text string) error {
	body, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.roomURL(room), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusError(resp, room)
}

func statusError(resp *http.Response, room string) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return errors.NewNotFound(room)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return errors.NewAccessDenied(room)
	}
	return errors.NewInternal(fmt.Errorf("room service returned %s", resp.Status))
}
