// Package access resolves the chat named in a request path and checks that
// the authenticated caller owns it.
package access

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
	"github.com/zhouzirui/arbor/backend/internal/service/auth"
	"github.com/zhouzirui/arbor/backend/internal/service/tree"
	"github.com/zhouzirui/arbor/backend/pkg/utils"
)

// ChatGetter loads a chat by id.
type ChatGetter interface {
	GetChat(ctx context.Context, chatID string) (chat.Chat, error)
}

// OwnedChat returns the {chatID} chat when the caller owns it. Otherwise it
// writes 401, 403 or 404 and reports false.
func OwnedChat(w http.ResponseWriter, r *http.Request, chats ChatGetter) (chat.Chat, bool) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "authentication required")
		return chat.Chat{}, false
	}

	chatID := chi.URLParam(r, "chatID")
	c, err := chats.GetChat(r.Context(), chatID)
	switch {
	case errors.Is(err, tree.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "chat not found")
		return chat.Chat{}, false
	case err != nil:
		log.Error().Err(err).Str("chat_id", chatID).Msg("load chat failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to load chat")
		return chat.Chat{}, false
	case c.OwnerID != userID:
		utils.RespondError(w, http.StatusForbidden, "chat belongs to another user")
		return chat.Chat{}, false
	}
	return c, true
}
