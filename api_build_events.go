package forge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func (a *API) handleBuildEvents(w http.ResponseWriter, r *http.Request, buildID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	build, flusher, ok := a.prepareBuildEventStream(w, r, buildID)
	if !ok {
		return
	}
	writeBuildEventHeaders(w)

	lastEventID := readLastEventID(r)
	replay, live, needsBootstrap, unsubscribe := a.events.subscribe(buildID, lastEventID)
	defer unsubscribe()

	lastPayload := newBuildBootstrapSnapshot(build)
	lastPayload.Sequence = a.events.latestSequence(buildID)
	lastPayload.EventID = strconv.FormatInt(lastPayload.Sequence, 10)

	if !writeInitialBuildEvents(w, flusher, needsBootstrap, replay, &lastPayload) {
		return
	}

	a.streamLiveBuildEvents(r, w, flusher, live, lastPayload)
}

func (a *API) prepareBuildEventStream(
	w http.ResponseWriter,
	r *http.Request,
	buildID string,
) (Build, http.Flusher, bool) {
	if a.store == nil || a.events == nil {
		http.Error(w, "build events unavailable", http.StatusInternalServerError)
		return Build{}, nil, false
	}

	build, err := a.store.GetBuild(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return Build{}, nil, false
		}
		http.Error(w, "failed to read build", http.StatusInternalServerError)
		return Build{}, nil, false
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return Build{}, nil, false
	}
	return build, flusher, true
}

func writeBuildEventHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func readLastEventID(r *http.Request) string {
	lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	}
	return lastEventID
}

func writeInitialBuildEvents(
	w http.ResponseWriter,
	flusher http.Flusher,
	needsBootstrap bool,
	replay []buildEventRecord,
	lastPayload *buildEventPayload,
) bool {
	if needsBootstrap {
		bootstrap := *lastPayload
		bootstrap.EventID = "bootstrap"
		bootstrap.Message = "build snapshot"
		writeErr := writeSSEEvent(w, flusher, buildEventBootstrap, bootstrap, false)
		if writeErr != nil {
			return false
		}
	}

	for _, record := range replay {
		*lastPayload = record.Payload
		writeErr := writeSSEEvent(w, flusher, record.Name, record.Payload, true)
		if writeErr != nil {
			return false
		}
	}
	return true
}

func (a *API) streamLiveBuildEvents(
	r *http.Request,
	w http.ResponseWriter,
	flusher http.Flusher,
	live <-chan buildEventRecord,
	lastPayload buildEventPayload,
) {
	heartbeatSeq := lastPayload.Sequence
	ticker := time.NewTicker(a.effectiveBuildHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case record, streamOpen := <-live:
			if !streamOpen {
				return
			}
			lastPayload = record.Payload
			writeErr := writeSSEEvent(w, flusher, record.Name, record.Payload, true)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			heartbeatSeq++
			heartbeat := newBuildHeartbeatPayload(lastPayload, heartbeatSeq)
			writeErr := writeSSEEvent(w, flusher, buildEventHeartbeat, heartbeat, false)
			if writeErr != nil {
				return
			}
		}
	}
}

func (a *API) effectiveBuildHeartbeatInterval() time.Duration {
	if a != nil && a.heartbeatInterval > 0 {
		return a.heartbeatInterval
	}
	return buildEventsHeartbeatInterval
}

func writeSSEEvent(
	w http.ResponseWriter,
	flusher http.Flusher,
	eventName string,
	payload buildEventPayload,
	includeProtocolID bool,
) error {
	payload.At = payload.At.UTC()
	if payload.At.IsZero() {
		payload.At = time.Now().UTC()
	}
	if payload.EventID == "" {
		payload.EventID = strconv.FormatInt(payload.Sequence, 10)
	}

	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return marshalErr
	}

	if includeProtocolID {
		// #nosec G705 -- SSE id field intentionally carries sanitized event identifiers.
		if _, err := w.Write([]byte("id: " + sanitizeSSEField(payload.EventID) + "\n")); err != nil {
			return err
		}
	}
	// #nosec G705 -- SSE event field intentionally carries sanitized event names.
	if _, err := w.Write([]byte("event: " + sanitizeSSEField(eventName) + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	// #nosec G705 -- SSE data payload intentionally streams JSON-encoded build updates.
	if _, err := w.Write(body); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func sanitizeSSEField(raw string) string {
	replacer := strings.NewReplacer("\n", " ", "\r", " ")
	return replacer.Replace(strings.TrimSpace(raw))
}
