package identity

import (
	"context"
	"fmt"
	"slices"

	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/pkg/classroom"
)

// Static is an in-memory [Adapter] built from the identity section of the
// config file. It is meant for development, demos and tests.
type Static struct {
	classes map[string]Class
	users   map[string]config.StaticUser
}

var _ Adapter = (*Static)(nil)

// NewStatic builds a directory from cfg.Users and cfg.Classes.
func NewStatic(cfg config.IdentityConfig) (*Static, error) {
	s := &Static{
		classes: make(map[string]Class, len(cfg.Classes)),
		users:   make(map[string]config.StaticUser, len(cfg.Users)),
	}
	for _, c := range cfg.Classes {
		room := c.RoomID
		if room == "" {
			room = c.ClassID
		}
		s.classes[c.ClassID] = Class{ClassID: c.ClassID, RoomID: room, Title: c.Title}
	}
	for _, u := range cfg.Users {
		if !classroom.Role(u.Role).IsValid() {
			return nil, fmt.Errorf("identity: user %q has invalid role %q", u.UserID, u.Role)
		}
		s.users[u.Token] = u
	}
	return s, nil
}

// ResolveClass implements [Adapter].
func (s *Static) ResolveClass(_ context.Context, classID string) (Class, error) {
	c, ok := s.classes[classID]
	if !ok {
		return Class{}, fmt.Errorf("%w: %q", ErrClassNotFound, classID)
	}
	return c, nil
}

// ResolveIdentity implements [Adapter].
func (s *Static) ResolveIdentity(_ context.Context, token, classID string) (Identity, error) {
	u, ok := s.users[token]
	if !ok || token == "" {
		return Identity{}, fmt.Errorf("%w: unknown token", ErrRejected)
	}
	if len(u.Classes) > 0 && !slices.Contains(u.Classes, classID) {
		return Identity{}, fmt.Errorf("%w: user %q is not enrolled in %q", ErrRejected, u.UserID, classID)
	}
	name := u.DisplayName
	if name == "" {
		name = u.UserID
	}
	return Identity{UserID: u.UserID, DisplayName: name, Role: classroom.Role(u.Role)}, nil
}
