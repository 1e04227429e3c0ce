package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-collab/database"
	"github.com/ssau-fiit/cloudocs-collab/errors"
	"github.com/ssau-fiit/cloudocs-collab/hub"
	"github.com/ssau-fiit/cloudocs-collab/session"
)

type server struct {
	store *database.Store
	hub   *hub.Hub
}

func newRouter(store *database.Store, h *hub.Hub) *gin.Engine {
	s := &server{store: store, hub: h}

	r := gin.Default()
	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/api/v1")
	v1.GET("/ws/collaborate", s.handleSocket)
	v1.POST("/rooms", s.handleCreateRoom)
	v1.GET("/rooms/:id", s.handleGetRoom)
	v1.PUT("/rooms/:id", s.handleSaveRoom)
	v1.PUT("/rooms/:id/invited/:user", s.handleInvite)
	v1.DELETE("/rooms/:id/invited/:user", s.handleRevoke)
	return r
}

func abortWithError(c *gin.Context, err error) {
	status := errors.StatusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	code := errors.ErrInternal
	var cErr *errors.CollabError
	if stderrors.As(err, &cErr) {
		code = cErr.Code
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":    code,
		"message": err.Error(),
	})
}

// requireUser resolves the access token of the request. Unknown tokens are
// reported as denied rather than not found.
func (s *server) requireUser(ctx context.Context, c *gin.Context) (string, bool) {
	user, err := s.store.UserForToken(ctx, c.Query(session.ParamAccessToken))
	if errors.Is(err, errors.ErrNotFound) {
		err = errors.NewAccessDenied(c.Param("id"))
	}
	if err != nil {
		abortWithError(c, err)
		return "", false
	}
	return user, true
}

// requireOwner resolves the caller and checks that they own the room.
func (s *server) requireOwner(ctx context.Context, c *gin.Context) (database.Room, bool) {
	user, ok := s.requireUser(ctx, c)
	if !ok {
		return database.Room{}, false
	}
	room, err := s.store.Room(ctx, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return database.Room{}, false
	}
	if room.Owner != user {
		abortWithError(c, errors.NewAccessDenied(room.ID))
		return database.Room{}, false
	}
	return room, true
}

func (s *server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second*2)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("redis is unreachable")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"rooms":  s.hub.Rooms(),
	})
}

/////////////////////////////
/// Room Handlers
/////////////////////////////

func (s *server) handleCreateRoom(c *gin.Context) {
	var r CreateRoomRequest
	if err := c.BindJSON(&r); err != nil {
		log.Error().Err(err).Msg("could not parse request")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second*5)
	defer cancel()

	user, ok := s.requireUser(ctx, c)
	if !ok {
		return
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	} else if _, err := s.store.Room(ctx, r.ID); err == nil {
		abortWithError(c, errors.NewInvalidRequest("room "+r.ID+" already exists"))
		return
	}

	room := database.Room{ID: r.ID, Title: r.Title, Owner: user}
	if err := s.store.CreateRoom(ctx, room, r.Content); err != nil {
		abortWithError(c, err)
		return
	}
	log.Info().Str("room", room.ID).Str("owner", user).Msg("room created")
	c.JSON(http.StatusCreated, newDocument(room, r.Content))
}

func (s *server) handleGetRoom(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second*5)
	defer cancel()

	user, ok := s.requireUser(ctx, c)
	if !ok {
		return
	}
	roomID := c.Param("id")
	if _, err := s.store.Permission(ctx, roomID, user); err != nil {
		abortWithError(c, err)
		return
	}
	room, err := s.store.Room(ctx, roomID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	content, err := s.store.Content(ctx, roomID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocument(room, content))
}

// handleSaveRoom stores a text snapshot pushed by the room's owner.
func (s *server) handleSaveRoom(c *gin.Context) {
	var r SaveContentRequest
	if err := c.BindJSON(&r); err != nil {
		log.Error().Err(err).Msg("could not parse request")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second*5)
	defer cancel()

	room, ok := s.requireOwner(ctx, c)
	if !ok {
		return
	}
	if err := s.store.SaveContent(ctx, room.ID, r.Content); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

/////////////////////////////
/// Invitation Handlers
/////////////////////////////

func (s *server) handleInvite(c *gin.Context) {
	var r InviteRequest
	if err := c.BindJSON(&r); err != nil {
		log.Error().Err(err).Msg("could not parse request")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second*5)
	defer cancel()

	room, ok := s.requireOwner(ctx, c)
	if !ok {
		return
	}
	invitee := c.Param("user")
	if invitee == room.Owner {
		abortWithError(c, errors.NewInvalidRequest("the owner cannot be invited"))
		return
	}
	if err := s.store.SetPermission(ctx, room.ID, invitee, r.Permission); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRevoke removes an invitation and closes the user's open sockets
// on every instance.
func (s *server) handleRevoke(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second*5)
	defer cancel()

	room, ok := s.requireOwner(ctx, c)
	if !ok {
		return
	}
	invitee := c.Param("user")
	existed, err := s.store.DeletePermission(ctx, room.ID, invitee)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !existed {
		abortWithError(c, errors.NewNotFound(invitee))
		return
	}
	s.hub.Revoke(ctx, room.ID, invitee)
	log.Info().Str("room", room.ID).Str("user", invitee).Msg("access revoked")
	c.Status(http.StatusNoContent)
}
