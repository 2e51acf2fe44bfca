package ws

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/json"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/ws"
	"github.com/hilthontt/roomshuffle/internal/presentation/utils"
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type Handler struct {
	core     *ws.Core
	upgrader *websocket.Upgrader
	logger   logging.Logger
}

func NewHandler(core *ws.Core, upgrader *websocket.Upgrader, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Handler{
		core:     core,
		upgrader: upgrader,
		logger:   logger,
	}
}

// ConnectHandler upgrades the request and hands the socket to the registry.
// The handle comes from ?clientId= when given, otherwise from the member_id
// cookie, which is minted on first visit.
func (h *Handler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	id, header, err := resolveHandle(r)
	if err != nil {
		json.WriteValidationError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		h.logger.Warn(logging.WebSocket, logging.Connect, "websocket upgrade failed", map[logging.ExtraKey]any{
			logging.ConnID:       id,
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	if err := h.core.Serve(r.Context(), conn, id); err != nil {
		h.logger.Warn(logging.WebSocket, logging.Connect, "could not register connection", map[logging.ExtraKey]any{
			logging.ConnID:       id,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func resolveHandle(r *http.Request) (domain.ConnID, http.Header, error) {
	if raw := r.URL.Query().Get("clientId"); raw != "" {
		if !clientIDPattern.MatchString(raw) {
			return "", nil, errors.New("clientId must be 1-64 letters, digits, '.', '_' or '-'")
		}
		return domain.ConnID(raw), nil, nil
	}

	id, cookie := utils.MemberID(r)
	if cookie == nil {
		return domain.ConnID(id), nil, nil
	}

	header := http.Header{}
	header.Add("Set-Cookie", cookie.String())
	return domain.ConnID(id), header, nil
}
