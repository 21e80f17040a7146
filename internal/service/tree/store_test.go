package tree

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
)

type engine struct {
	name string
	open func(t *testing.T) Store
}

func engines() []engine {
	return []engine{
		{name: "memory", open: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "sqlite", open: func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tree.db"), zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func forEachEngine(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, e := range engines() {
		t.Run(e.name, func(t *testing.T) {
			fn(t, e.open(t))
		})
	}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func mustInsert(t *testing.T, s Store, chatID, parentID, text string) chat.Message {
	t.Helper()
	m, err := s.Insert(context.Background(), chatID, parentID, chat.RoleUser, text)
	require.NoError(t, err)
	return m
}

func TestCreateChatRoot(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c, root, err := s.CreateChat(ctx, "owner-1", "assistant", "first", "welcome")
		require.NoError(t, err)

		assert.True(t, root.IsRoot())
		assert.Equal(t, int64(1), root.Seq)
		assert.Equal(t, root.ID, c.RootID)
		assert.Equal(t, root.ID, c.LastTouchedID)

		got, err := s.GetChat(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "owner-1", got.OwnerID)
		assert.Equal(t, "assistant", got.AgentID)

		_, err = s.GetChat(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestInsertValidatesParent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c1, root1, err := s.CreateChat(ctx, "owner", "", "", "")
		require.NoError(t, err)
		c2, _, err := s.CreateChat(ctx, "owner", "", "", "")
		require.NoError(t, err)

		_, err = s.Insert(ctx, c1.ID, "nope", chat.RoleUser, "hi")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Insert(ctx, c2.ID, root1.ID, chat.RoleUser, "hi")
		assert.ErrorIs(t, err, ErrInvalidParent)

		_, err = s.Insert(ctx, c1.ID, root1.ID, chat.Role("robot"), "hi")
		assert.ErrorIs(t, err, ErrValidation)

		_, err = s.Insert(ctx, c1.ID, root1.ID, chat.RoleUser, "")
		assert.ErrorIs(t, err, ErrValidation)

		_, err = s.Insert(ctx, c1.ID, "", chat.RoleUser, "hi")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestInsertAssignsIncreasingSeqAndTouchesChat(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c, root, err := s.CreateChat(ctx, "owner", "", "", "")
		require.NoError(t, err)

		prev := root
		for i := 0; i < 4; i++ {
			m := mustInsert(t, s, c.ID, prev.ID, "turn")
			assert.Greater(t, m.Seq, prev.Seq)
			assert.Equal(t, prev.ID, m.ParentID)

			got, err := s.GetChat(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, m.ID, got.LastTouchedID)
			prev = m
		}
	})
}

func TestConcurrentInsertsGetUniqueSeq(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c, root, err := s.CreateChat(ctx, "owner", "", "", "")
		require.NoError(t, err)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Insert(ctx, c.ID, root.ID, chat.RoleUser, "parallel")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		kids, err := s.Children(ctx, root.ID)
		require.NoError(t, err)
		require.Len(t, kids, n)
		seen := map[int64]bool{}
		for i, k := range kids {
			assert.False(t, seen[k.Seq], "duplicate seq %d", k.Seq)
			seen[k.Seq] = true
			if i > 0 {
				assert.Greater(t, k.Seq, kids[i-1].Seq)
			}
		}
	})
}

func TestDescendantsLeftReturnsEarliestChildren(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c, root, err := s.CreateChat(ctx, "owner", "", "", "")
		require.NoError(t, err)

		var kids []chat.Message
		for i := 0; i < 5; i++ {
			kids = append(kids, mustInsert(t, s, c.ID, root.ID, "child"))
		}

		page, err := s.Descendants(ctx, root.ID, "", 2, chat.Left)
		require.NoError(t, err)
		assert.Equal(t, []string{kids[0].ID, kids[1].ID}, ids(page.Messages))
		assert.Equal(t, kids[1].ID, page.Cursor)
		assert.True(t, page.HasMore)

		page, err = s.Descendants(ctx, root.ID, "", 2, chat.Right)
		require.NoError(t, err)
		assert.Equal(t, []string{kids[4].ID, kids[3].ID}, ids(page.Messages))
	})
}

// buildBranchy creates:
//
//	root
//	├── a
//	│   ├── a1
//	│   │   └── a1x
//	│   └── a2
//	└── b
func buildBranchy(t *testing.T, s Store) (chat.Chat, map[string]chat.Message) {
	t.Helper()
	c, root, err := s.CreateChat(context.Background(), "owner", "", "", "")
	require.NoError(t, err)
	n := map[string]chat.Message{"root": root}
	n["a"] = mustInsert(t, s, c.ID, root.ID, "a")
	n["a1"] = mustInsert(t, s, c.ID, n["a"].ID, "a1")
	n["b"] = mustInsert(t, s, c.ID, root.ID, "b")
	n["a2"] = mustInsert(t, s, c.ID, n["a"].ID, "a2")
	n["a1x"] = mustInsert(t, s, c.ID, n["a1"].ID, "a1x")
	return c, n
}

func TestDescendantsPreorder(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, n := buildBranchy(t, s)

		left, err := s.Descendants(ctx, n["root"].ID, "", 10, chat.Left)
		require.NoError(t, err)
		assert.Equal(t, []string{n["a"].ID, n["a1"].ID, n["a1x"].ID, n["a2"].ID, n["b"].ID}, ids(left.Messages))
		assert.False(t, left.HasMore)

		right, err := s.Descendants(ctx, n["root"].ID, "", 10, chat.Right)
		require.NoError(t, err)
		assert.Equal(t, []string{n["b"].ID, n["a"].ID, n["a2"].ID, n["a1"].ID, n["a1x"].ID}, ids(right.Messages))

		again, err := s.Descendants(ctx, n["root"].ID, "", 10, chat.Right)
		require.NoError(t, err)
		assert.Equal(t, ids(right.Messages), ids(again.Messages))

		sub, err := s.Descendants(ctx, n["a"].ID, "", 10, chat.Left)
		require.NoError(t, err)
		assert.Equal(t, []string{n["a1"].ID, n["a1x"].ID, n["a2"].ID}, ids(sub.Messages))
	})
}

func TestDescendantsPagingVisitsEveryNodeOnce(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, n := buildBranchy(t, s)

		for _, dir := range []chat.Direction{chat.Left, chat.Right} {
			full, err := s.Descendants(ctx, n["root"].ID, "", 100, dir)
			require.NoError(t, err)

			var walked []string
			after := ""
			for i := 0; i < 10; i++ {
				page, err := s.Descendants(ctx, n["root"].ID, after, 2, dir)
				require.NoError(t, err)
				walked = append(walked, ids(page.Messages)...)
				after = page.Cursor
				if !page.HasMore {
					break
				}
			}
			assert.Equal(t, ids(full.Messages), walked, "direction %s", dir)
		}
	})
}

func TestDescendantsRejectsBadInput(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, n := buildBranchy(t, s)

		_, err := s.Descendants(ctx, n["root"].ID, "", 2, chat.Direction("up"))
		assert.ErrorIs(t, err, ErrValidation)

		_, err = s.Descendants(ctx, "missing", "", 2, chat.Left)
		assert.ErrorIs(t, err, ErrNotFound)

		// b is not below a
		_, err = s.Descendants(ctx, n["a"].ID, n["b"].ID, 2, chat.Left)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestAncestorsRootToNode(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, n := buildBranchy(t, s)

		page, err := s.Ancestors(ctx, n["a1x"].ID, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{n["root"].ID, n["a"].ID, n["a1"].ID, n["a1x"].ID}, ids(page.Messages))
		assert.False(t, page.HasMore)
		assert.Equal(t, n["root"].ID, page.Cursor)

		page, err = s.Ancestors(ctx, n["a1x"].ID, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{n["a1"].ID, n["a1x"].ID}, ids(page.Messages))
		assert.True(t, page.HasMore)
		assert.Equal(t, n["a1"].ID, page.Cursor)
	})
}

func TestEveryChainEndsAtRoot(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, n := buildBranchy(t, s)

		all, err := s.Descendants(ctx, n["root"].ID, "", 100, chat.Left)
		require.NoError(t, err)
		for _, m := range all.Messages {
			chain, err := s.Ancestors(ctx, m.ID, 100)
			require.NoError(t, err)
			assert.Equal(t, n["root"].ID, chain.Messages[0].ID)
			for i := 1; i < len(chain.Messages); i++ {
				assert.Equal(t, chain.Messages[i-1].ID, chain.Messages[i].ParentID)
				assert.Less(t, chain.Messages[i-1].Seq, chain.Messages[i].Seq)
			}
		}
	})
}

func TestBranchAnchor(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, n := buildBranchy(t, s)

		cases := map[string]string{
			"a1x":  "a",
			"a2":   "a",
			"a":    "root",
			"b":    "root",
			"root": "root",
		}
		for node, want := range cases {
			got, err := s.BranchAnchor(ctx, n[node].ID)
			require.NoError(t, err)
			assert.Equal(t, n[want].ID, got, "anchor of %s", node)
		}
	})
}

func TestListChatsByOwner(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.CreateChat(ctx, "alice", "", "one", "")
		require.NoError(t, err)
		_, _, err = s.CreateChat(ctx, "alice", "", "two", "")
		require.NoError(t, err)
		_, _, err = s.CreateChat(ctx, "bob", "", "three", "")
		require.NoError(t, err)

		chats, err := s.ListChats(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, chats, 2)
		for _, c := range chats {
			assert.Equal(t, "alice", c.OwnerID)
		}
	})
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tree.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	c, root, err := s.CreateChat(ctx, "owner", "", "", "root")
	require.NoError(t, err)
	m := mustInsert(t, s, c.ID, root.ID, "persisted")
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Text)
	assert.Equal(t, root.ID, got.ParentID)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))

	chatRow, err := s.GetChat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, chatRow.LastTouchedID)
}

// setClock pins the engine's clock so creation times are controlled.
func setClock(s Store, now func() time.Time) {
	switch e := s.(type) {
	case *MemoryStore:
		e.mu.Lock()
		e.now = now
		e.mu.Unlock()
	case *SQLiteStore:
		e.now = now
	}
}

func TestListChatsNewestFirstWithinOneSecond(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		var order []string
		for _, offset := range []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 200 * time.Millisecond} {
			at := base.Add(offset)
			setClock(s, func() time.Time { return at })
			c, _, err := s.CreateChat(ctx, "owner-1", "assistant", "", "root")
			require.NoError(t, err)
			order = append([]string{c.ID}, order...)
		}

		chats, err := s.ListChats(ctx, "owner-1")
		require.NoError(t, err)
		got := make([]string, len(chats))
		for i, c := range chats {
			got[i] = c.ID
		}
		assert.Equal(t, order, got)
	})
}
