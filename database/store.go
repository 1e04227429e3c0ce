package database

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"

	"github.com/ssau-fiit/cloudocs-collab/access"
	"github.com/ssau-fiit/cloudocs-collab/errors"
)

// Room is the metadata hash stored for every room.
type Room struct {
	ID    string `mapstructure:"id" json:"id"`
	Title string `mapstructure:"title" json:"title"`
	Owner string `mapstructure:"owner" json:"owner"`
}

func roomKey(id string) string { return fmt.Sprintf("rooms.%v", id) }
func textKey(id string) string { return fmt.Sprintf("texts.%v", id) }
func tokenKey(token string) string { return fmt.Sprintf("tokens.%v", token) }
func permissionKey(room, user string) string { return fmt.Sprintf("%v:%v", room, user) }

// Store keeps room metadata, snapshots, tokens and invitations in redis.
type Store struct {
	rdb *redis.Client
}

// NewStore wraps a redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// CreateRoom stores the room hash and its initial content.
func (s *Store) CreateRoom(ctx context.Context, room Room, content string) error {
	if room.ID == "" || room.Owner == "" {
		return errors.NewInvalidRequest("room id and owner are required")
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, roomKey(room.ID), "id", room.ID, "title", room.Title, "owner", room.Owner)
		p.Set(ctx, textKey(room.ID), content, 0)
		return nil
	})
	return err
}

// Room loads a room's metadata.
func (s *Store) Room(ctx context.Context, id string) (Room, error) {
	res, err := s.rdb.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return Room{}, err
	}
	if len(res) == 0 {
		return Room{}, errors.NewNotFound(roomKey(id))
	}
	var room Room
	if err := mapstructure.Decode(res, &room); err != nil {
		return Room{}, err
	}
	return room, nil
}

// Content returns the last saved snapshot of a room's text.
func (s *Store) Content(ctx context.Context, room string) (string, error) {
	text, err := s.rdb.Get(ctx, textKey(room)).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", nil
	}
	return text, err
}

// SaveContent replaces the snapshot of a room's text.
func (s *Store) SaveContent(ctx context.Context, room, text string) error {
	return s.rdb.Set(ctx, textKey(room), text, 0).Err()
}

// SetToken binds an access token to a user.
func (s *Store) SetToken(ctx context.Context, token, user string) error {
	return s.rdb.Set(ctx, tokenKey(token), user, 0).Err()
}

// UserForToken resolves an access token.
func (s *Store) UserForToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.NewAccessDenied("")
	}
	user, err := s.rdb.Get(ctx, tokenKey(token)).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", errors.NewNotFound(tokenKey(token))
	}
	return user, err
}

// SetPermission invites a user to a room.
func (s *Store) SetPermission(ctx context.Context, room, user string, p access.Permission) error {
	if p != access.ReadWrite && p != access.ReadOnly {
		return errors.NewInvalidRequest(fmt.Sprintf("cannot grant %q", p))
	}
	return s.rdb.Set(ctx, permissionKey(room, user), string(p), 0).Err()
}

// DeletePermission removes an invitation. It reports whether one existed.
func (s *Store) DeletePermission(ctx context.Context, room, user string) (bool, error) {
	n, err := s.rdb.Del(ctx, permissionKey(room, user)).Result()
	return n > 0, err
}

// Permission returns the access a user holds on a room: owner for the
// room's owner, otherwise the stored invitation.
func (s *Store) Permission(ctx context.Context, room, user string) (access.Permission, error) {
	r, err := s.Room(ctx, room)
	if err != nil {
		return "", err
	}
	if r.Owner == user {
		return access.Owner, nil
	}
	raw, err := s.rdb.Get(ctx, permissionKey(room, user)).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", errors.NewAccessDenied(room)
	}
	if err != nil {
		return "", err
	}
	p, err := access.Parse(raw)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return p, nil
}
