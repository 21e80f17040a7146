package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
	"github.com/zhouzirui/arbor/backend/internal/service/auth"
	"github.com/zhouzirui/arbor/backend/internal/service/tree"
)

func mintToken(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is required (--secret or AUTH_SECRET)")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	return auth.NewJWTVerifier([]byte(secret)).Generate(userID, ttl)
}

func createChat(ctx context.Context, out io.Writer, store tree.Store, owner, agentID, title, rootText string) error {
	c, root, err := store.CreateChat(ctx, owner, agentID, title, rootText)
	if err != nil {
		return err
	}
	if flagJSON {
		return json.NewEncoder(out).Encode(map[string]any{"chat": c, "root": root})
	}
	fmt.Fprintf(out, "chat %s (root %s)\n", c.ID, root.ID)
	return nil
}

func listChats(ctx context.Context, out io.Writer, store tree.Store, owner string) error {
	chats, err := store.ListChats(ctx, owner)
	if err != nil {
		return err
	}
	if flagJSON {
		if chats == nil {
			chats = []chat.Chat{}
		}
		return json.NewEncoder(out).Encode(chats)
	}
	for _, c := range chats {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", c.ID, c.AgentID, c.CreatedAt.Format(time.RFC3339), c.Title)
	}
	return nil
}

// printTree renders the chat as an indented outline. The last-touched
// message is marked with '*'.
func printTree(ctx context.Context, out io.Writer, store tree.Store, chatID string, maxDepth int) error {
	c, err := store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	root, err := store.Get(ctx, c.RootID)
	if err != nil {
		return err
	}

	var walk func(m chat.Message, depth int) error
	walk = func(m chat.Message, depth int) error {
		mark := " "
		if m.ID == c.LastTouchedID {
			mark = "*"
		}
		fmt.Fprintf(out, "%s%s [%d] %s: %s\n", strings.Repeat("  ", depth), mark, m.Seq, m.Role, oneLine(m.Text))
		if maxDepth > 0 && depth+1 >= maxDepth {
			return nil
		}
		children, err := store.Children(ctx, m.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root, 0)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return s
}
