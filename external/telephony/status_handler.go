package telephony

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/foxseedlab/denwaban/internal/conference"
	"github.com/foxseedlab/denwaban/internal/telephony"
)

// StatusHandler receives the provider's asynchronous call/conference
// callbacks. The provider retries on non-2xx, so only undecodable payloads
// are rejected.
type StatusHandler struct {
	orchestrator *conference.Orchestrator
}

func NewStatusHandler(orchestrator *conference.Orchestrator) *StatusHandler {
	return &StatusHandler{orchestrator: orchestrator}
}

type statusPayload struct {
	Kind       string    `json:"kind"`
	Room       string    `json:"room"`
	LegID      string    `json:"leg_id"`
	Role       string    `json:"role"`
	Recording  string    `json:"recording"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload statusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	kind := telephony.StatusKind(payload.Kind)
	switch kind {
	case telephony.StatusParticipantJoined, telephony.StatusParticipantLeft,
		telephony.StatusParticipantMuted, telephony.StatusParticipantUnmuted,
		telephony.StatusParticipantHeld, telephony.StatusParticipantResumed,
		telephony.StatusRecordingReady:
	default:
		slog.Debug("ignoring unknown status callback", "kind", payload.Kind, "room", payload.Room)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	occurredAt := payload.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	h.orchestrator.HandleStatusEvent(telephony.StatusEvent{
		Kind:       kind,
		Room:       payload.Room,
		LegID:      payload.LegID,
		Role:       payload.Role,
		Recording:  payload.Recording,
		OccurredAt: occurredAt,
	})
	w.WriteHeader(http.StatusNoContent)
}
