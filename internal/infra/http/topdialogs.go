package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-top-dialogs/internal/domain"
)

const defaultTopLimit = 30

// TopDialogsHandler — REST поверхность менеджера топа диалогов.
type TopDialogsHandler struct {
	service domain.TopDialogService
	clock   domain.Clock
	log     zerolog.Logger
}

// NewTopDialogsHandler создаёт обработчик.
func NewTopDialogsHandler(service domain.TopDialogService, clk domain.Clock, logger zerolog.Logger) *TopDialogsHandler {
	return &TopDialogsHandler{service: service, clock: clk, log: logger}
}

// Register вешает маршруты на роутер.
func (h *TopDialogsHandler) Register(r chi.Router) {
	r.Route("/v1/top/{category}", func(r chi.Router) {
		r.Get("/", h.getTop)
		r.Post("/used", h.dialogUsed)
		r.Delete("/{kind}/{peer}", h.removeDialog)
	})
}

type dialogPayload struct {
	Kind   string `json:"kind"`
	PeerID int64  `json:"peer_id"`
}

type usedRequest struct {
	dialogPayload
	Date int64 `json:"date,omitempty"`
}

func (h *TopDialogsHandler) getTop(w http.ResponseWriter, r *http.Request) {
	category, ok := h.category(w, r)
	if !ok {
		return
	}
	limit := defaultTopLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "некорректный limit")
			return
		}
		limit = parsed
	}

	ids, err := h.service.GetTopDialogs(r.Context(), category, limit)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupported) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.log.Error().Err(err).Str("category", category.Name()).Msg("http: запрос топа не удался")
		writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
		return
	}

	dialogs := make([]dialogPayload, 0, len(ids))
	for _, id := range ids {
		dialogs = append(dialogs, asPayload(id))
	}
	writeJSON(w, http.StatusOK, map[string]any{"dialogs": dialogs})
}

func (h *TopDialogsHandler) dialogUsed(w http.ResponseWriter, r *http.Request) {
	category, ok := h.category(w, r)
	if !ok {
		return
	}
	var req usedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	id, err := domain.DialogUsageEvent{Kind: req.Kind, PeerID: req.PeerID}.Dialog()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	eventTime := h.clock.Now()
	if req.Date > 0 {
		eventTime = time.Unix(req.Date, 0)
	}
	h.service.OnDialogUsed(category, id, eventTime)
	w.WriteHeader(http.StatusAccepted)
}

func (h *TopDialogsHandler) removeDialog(w http.ResponseWriter, r *http.Request) {
	category, ok := h.category(w, r)
	if !ok {
		return
	}
	peer, err := strconv.ParseInt(chi.URLParam(r, "peer"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return
	}
	id, err := domain.DialogUsageEvent{Kind: chi.URLParam(r, "kind"), PeerID: peer}.Dialog()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.service.RemoveDialog(category, id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TopDialogsHandler) category(w http.ResponseWriter, r *http.Request) (domain.Category, bool) {
	category, err := domain.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return category, true
}

func asPayload(id domain.DialogID) dialogPayload {
	switch id.Kind() {
	case domain.DialogKindUser:
		return dialogPayload{Kind: "user", PeerID: id.UserID()}
	case domain.DialogKindChat:
		return dialogPayload{Kind: "chat", PeerID: id.ChatID()}
	case domain.DialogKindChannel:
		return dialogPayload{Kind: "channel", PeerID: id.ChannelID()}
	default:
		return dialogPayload{Kind: "unknown", PeerID: int64(id)}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
