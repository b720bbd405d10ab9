package store

import "context"

// Membership answers room membership questions from a shared set store. Who
// gets added to a room is decided elsewhere (the CRUD surface owns that);
// this side only reads, plus the seed helpers below.
type Membership struct {
	sets SetStore
}

func NewMembership(sets SetStore) *Membership {
	return &Membership{sets: sets}
}

func roomMembersKey(roomID string) string {
	return "room:" + roomID + ":members"
}

func (m *Membership) IsActiveMember(ctx context.Context, roomID, userID string) (bool, error) {
	return m.sets.IsMember(ctx, roomMembersKey(roomID), userID)
}

func (m *Membership) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := m.sets.Add(ctx, roomMembersKey(roomID), userID)
	return err
}

func (m *Membership) RemoveMember(ctx context.Context, roomID, userID string) error {
	return m.sets.Remove(ctx, roomMembersKey(roomID), userID)
}
