package tree

import (
	"context"
	"fmt"
	"slices"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
)

// reader is the minimal access a walk needs; both engines provide it.
type reader interface {
	Get(ctx context.Context, id string) (chat.Message, error)
	childIDs(ctx context.Context, id string) ([]string, error)
}

type frame struct {
	kids []string
	next int
}

func orderedChildren(ctx context.Context, r reader, id string, dir chat.Direction) ([]string, error) {
	kids, err := r.childIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	if dir == chat.Right {
		kids = slices.Clone(kids)
		slices.Reverse(kids)
	}
	return kids, nil
}

// descendants walks the subtree under id in preorder, excluding id itself.
// Siblings are visited by ascending sequence for left and descending for
// right. A non-empty after resumes immediately behind that node.
func descendants(ctx context.Context, r reader, id, after string, limit int, dir chat.Direction) (Page, error) {
	if dir == "" {
		dir = chat.Right
	}
	if !dir.Valid() {
		return Page{}, fmt.Errorf("%w: direction must be left or right", ErrValidation)
	}
	limit = normalizeLimit(limit)

	start, err := r.Get(ctx, id)
	if err != nil {
		return Page{}, err
	}

	var stack []frame
	if after == "" || after == start.ID {
		kids, err := orderedChildren(ctx, r, start.ID, dir)
		if err != nil {
			return Page{}, err
		}
		stack = append(stack, frame{kids: kids})
	} else {
		stack, err = resumeStack(ctx, r, start, after, dir)
		if err != nil {
			return Page{}, err
		}
	}

	page := Page{Messages: make([]chat.Message, 0, limit), Cursor: after}
	for len(page.Messages) < limit && len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.kids) {
			stack = stack[:len(stack)-1]
			continue
		}
		nodeID := top.kids[top.next]
		top.next++

		msg, err := r.Get(ctx, nodeID)
		if err != nil {
			return Page{}, err
		}
		page.Messages = append(page.Messages, msg)
		page.Cursor = msg.ID

		kids, err := orderedChildren(ctx, r, msg.ID, dir)
		if err != nil {
			return Page{}, err
		}
		stack = append(stack, frame{kids: kids})
	}

	for _, f := range stack {
		if f.next < len(f.kids) {
			page.HasMore = true
			break
		}
	}
	return page, nil
}

// resumeStack rebuilds the preorder stack as it was right after visiting
// after, which must lie strictly inside start's subtree.
func resumeStack(ctx context.Context, r reader, start chat.Message, after string, dir chat.Direction) ([]frame, error) {
	cursor, err := r.Get(ctx, after)
	if err != nil {
		return nil, err
	}
	if cursor.ChatID != start.ChatID {
		return nil, fmt.Errorf("%w: cursor %s is outside %s", ErrValidation, after, start.ID)
	}

	// path from just below start down to the cursor
	path := []string{cursor.ID}
	for node := cursor; node.ParentID != start.ID; {
		if node.IsRoot() {
			return nil, fmt.Errorf("%w: cursor %s is outside %s", ErrValidation, after, start.ID)
		}
		parent, err := r.Get(ctx, node.ParentID)
		if err != nil {
			return nil, err
		}
		path = append(path, parent.ID)
		node = parent
	}
	slices.Reverse(path)

	stack := make([]frame, 0, len(path)+1)
	parentID := start.ID
	for _, nodeID := range path {
		kids, err := orderedChildren(ctx, r, parentID, dir)
		if err != nil {
			return nil, err
		}
		idx := slices.Index(kids, nodeID)
		if idx < 0 {
			return nil, fmt.Errorf("tree index missing child %s of %s", nodeID, parentID)
		}
		stack = append(stack, frame{kids: kids, next: idx + 1})
		parentID = nodeID
	}
	kids, err := orderedChildren(ctx, r, cursor.ID, dir)
	if err != nil {
		return nil, err
	}
	return append(stack, frame{kids: kids}), nil
}

// ancestors returns up to limit nodes ending at id, ordered root-to-node.
func ancestors(ctx context.Context, r reader, id string, limit int) (Page, error) {
	limit = normalizeLimit(limit)

	node, err := r.Get(ctx, id)
	if err != nil {
		return Page{}, err
	}
	chain := []chat.Message{node}
	for len(chain) < limit && !node.IsRoot() {
		parent, err := r.Get(ctx, node.ParentID)
		if err != nil {
			return Page{}, err
		}
		chain = append(chain, parent)
		node = parent
	}
	slices.Reverse(chain)

	top := chain[0]
	return Page{Messages: chain, Cursor: top.ID, HasMore: !top.IsRoot()}, nil
}

func branchAnchor(ctx context.Context, r reader, id string) (string, error) {
	node, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	for !node.IsRoot() {
		parent, err := r.Get(ctx, node.ParentID)
		if err != nil {
			return "", err
		}
		kids, err := r.childIDs(ctx, parent.ID)
		if err != nil {
			return "", err
		}
		if len(kids) > 1 {
			return parent.ID, nil
		}
		node = parent
	}
	return node.ID, nil
}
