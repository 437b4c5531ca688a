package database

import (
	"context"
	"errors"
	"fmt"
)

// SeedRooms creates each named room that does not exist yet and returns all
// of them in the order given.
func SeedRooms(ctx context.Context, store RoomStore, gen IDGenerator, names []string) ([]*Room, error) {
	rooms := make([]*Room, 0, len(names))
	for _, name := range names {
		existing, err := store.GetRoomByName(ctx, name)
		if err == nil {
			rooms = append(rooms, existing)
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to look up room %s: %w", name, err)
		}

		id, err := gen.NextID()
		if err != nil {
			return nil, fmt.Errorf("failed to mint id for room %s: %w", name, err)
		}
		room := &Room{ID: id, Name: name}
		if err := store.CreateRoom(ctx, room); err != nil {
			return nil, fmt.Errorf("failed to seed room %s: %w", name, err)
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}
