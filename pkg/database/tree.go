package database

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aeolun/golem/pkg/snowflake"
)

// LoadDescendants returns every message below parent down to depth levels,
// sorted by id ascending. depth is a hard recursion budget: depth <= 0
// returns an empty slice whatever the store holds.
//
// One ListChildren call is issued per visited node. Whole subtrees are
// returned; callers wanting a bounded count trim afterwards.
func LoadDescendants(ctx context.Context, lister ChildLister, parent snowflake.ID, depth int) ([]*Message, error) {
	out := []*Message{}
	if depth <= 0 {
		return out, nil
	}

	children, err := lister.ListChildren(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parent, err)
	}

	for _, child := range children {
		out = append(out, child)
		below, err := LoadDescendants(ctx, lister, child.ID, depth-1)
		if err != nil {
			return nil, err
		}
		out = append(out, below...)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MessageGetter looks up single messages by id.
type MessageGetter interface {
	GetMessage(ctx context.Context, id snowflake.ID) (*Message, error)
}

// RoomOf follows parent links up from message id to the first id that is not
// a message, which is the room the thread was posted in. It returns
// ErrNotFound when id itself is not a message.
func RoomOf(ctx context.Context, getter MessageGetter, id snowflake.ID) (snowflake.ID, error) {
	m, err := getter.GetMessage(ctx, id)
	if err != nil {
		return 0, err
	}

	seen := map[snowflake.ID]bool{m.ID: true}
	for {
		if seen[m.Parent] {
			return 0, fmt.Errorf("room of %s: parent cycle at %s", id, m.Parent)
		}
		seen[m.Parent] = true

		parent, err := getter.GetMessage(ctx, m.Parent)
		if errors.Is(err, ErrNotFound) {
			return m.Parent, nil
		}
		if err != nil {
			return 0, fmt.Errorf("room of %s: %w", id, err)
		}
		m = parent
	}
}

// InRoom keeps the messages whose thread lives in room, preserving order.
// messages must include every ancestor of each entry, as ListMessages does;
// an entry whose chain leaves the slice ends at that id.
func InRoom(messages []*Message, room snowflake.ID) []*Message {
	parents := make(map[snowflake.ID]snowflake.ID, len(messages))
	for _, m := range messages {
		parents[m.ID] = m.Parent
	}

	roots := make(map[snowflake.ID]snowflake.ID, len(messages))
	out := []*Message{}
	var path []snowflake.ID
	for _, m := range messages {
		path = path[:0]
		id := m.ID
		root, known := roots[id]
		for !known {
			parent, isMessage := parents[id]
			if !isMessage {
				root = id
				break
			}
			if len(path) > len(parents) {
				root = 0 // cycle
				break
			}
			path = append(path, id)
			id = parent
			root, known = roots[id]
		}
		for _, visited := range path {
			roots[visited] = root
		}
		if root == room {
			out = append(out, m)
		}
	}
	return out
}
