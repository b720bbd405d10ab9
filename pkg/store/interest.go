package store

import "context"

// Interest records which rooms each server process currently has local
// interest in. The set is shared across processes so a server can recover and
// clean up its own footprint after it loses its last connected user.
type Interest struct {
	sets SetStore
}

func NewInterest(sets SetStore) *Interest {
	return &Interest{sets: sets}
}

func interestKey(server string) string {
	return "interest:" + server
}

// Add records interest of server in roomID and reports whether this is the
// first record of it.
func (i *Interest) Add(ctx context.Context, server, roomID string) (bool, error) {
	return i.sets.Add(ctx, interestKey(server), roomID)
}

func (i *Interest) Remove(ctx context.Context, server, roomID string) error {
	return i.sets.Remove(ctx, interestKey(server), roomID)
}

func (i *Interest) Rooms(ctx context.Context, server string) ([]string, error) {
	return i.sets.Members(ctx, interestKey(server))
}

// Clear drops every recorded interest of server.
func (i *Interest) Clear(ctx context.Context, server string) error {
	return i.sets.Delete(ctx, interestKey(server))
}
