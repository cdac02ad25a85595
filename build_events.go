package forge

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Build event hub (SSE backing)
////////////////////////////////////////////////////////////////////////////////

const (
	buildEventBootstrap = "build.bootstrap"
	buildEventStatus    = "build.status"
	buildEventStarted   = "step.started"
	buildEventEnded     = "step.ended"
	buildEventArtifacts = "step.artifacts"
	buildEventCompleted = "build.completed"
	buildEventFailed    = "build.failed"
	buildEventHeartbeat = "build.heartbeat"

	buildStatusQueued  = "queued"
	buildStatusRunning = "running"
	buildStatusDone    = "done"
	buildStatusError   = "error"
	buildMessageFailed = "build failed"
	buildMessageDone   = "build completed"

	buildEventSubscriberBuffer = 32
	buildEventArtifactsLimit   = 16
	buildTotalStepsChain       = 5
	buildProgressMin           = 1
	buildProgressMax           = 100
)

type buildEventPayload struct {
	EventID         string    `json:"event_id"`
	Sequence        int64     `json:"sequence"`
	BuildID         string    `json:"build_id"`
	RecipeID        string    `json:"recipe_id"`
	Kind            BuildKind `json:"kind"`
	Variant         string    `json:"variant,omitempty"`
	Status          string    `json:"status"`
	At              time.Time `json:"at"`
	Worker          string    `json:"worker,omitempty"`
	StepIndex       int       `json:"step_index,omitempty"`
	TotalSteps      int       `json:"total_steps,omitempty"`
	ProgressPercent int       `json:"progress_percent,omitempty"`
	DurationMS      int64     `json:"duration_ms,omitempty"`
	Message         string    `json:"message,omitempty"`
	Error           string    `json:"error,omitempty"`
	Artifacts       []string  `json:"artifacts,omitempty"`
	Hint            string    `json:"hint,omitempty"`
}

type buildEventRecord struct {
	Name    string
	Payload buildEventPayload
}

type buildEventStream struct {
	records      []buildEventRecord
	subscribers  map[uint64]chan buildEventRecord
	nextSequence int64
	terminalAt   time.Time
}

type buildEventHub struct {
	mu           sync.Mutex
	historyLimit int
	terminalTTL  time.Duration
	nextSubID    uint64
	streams      map[string]*buildEventStream
}

func newBuildEventHub(historyLimit int, terminalTTL time.Duration) *buildEventHub {
	if historyLimit <= 0 {
		historyLimit = buildEventsHistoryLimit
	}
	if terminalTTL <= 0 {
		terminalTTL = buildEventsRetention
	}
	return &buildEventHub{
		mu:           sync.Mutex{},
		historyLimit: historyLimit,
		terminalTTL:  terminalTTL,
		nextSubID:    0,
		streams:      map[string]*buildEventStream{},
	}
}

func (h *buildEventHub) publish(eventName string, payload buildEventPayload) {
	if h == nil || strings.TrimSpace(payload.BuildID) == "" {
		return
	}

	now := time.Now().UTC()
	if payload.At.IsZero() {
		payload.At = now
	}

	h.mu.Lock()
	h.cleanupLocked(now)
	stream := h.streamForLocked(payload.BuildID)
	stream.nextSequence++
	payload.Sequence = stream.nextSequence
	payload.EventID = strconv.FormatInt(stream.nextSequence, 10)

	record := buildEventRecord{Name: eventName, Payload: payload}
	stream.records = append(stream.records, record)
	if len(stream.records) > h.historyLimit {
		stream.records = append([]buildEventRecord(nil), stream.records[len(stream.records)-h.historyLimit:]...)
	}
	if payload.Status == buildStatusDone ||
		payload.Status == buildStatusError ||
		eventName == buildEventCompleted ||
		eventName == buildEventFailed {
		stream.terminalAt = now
	}

	subs := make([]chan buildEventRecord, 0, len(stream.subscribers))
	for _, sub := range stream.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- record:
		default:
		}
	}
}

func (h *buildEventHub) subscribe(
	buildID string,
	lastEventID string,
) ([]buildEventRecord, <-chan buildEventRecord, bool, func()) {
	if h == nil {
		return nil, nil, true, func() {}
	}

	buildID = strings.TrimSpace(buildID)
	now := time.Now().UTC()

	h.mu.Lock()
	h.cleanupLocked(now)
	stream := h.streamForLocked(buildID)

	ch := make(chan buildEventRecord, buildEventSubscriberBuffer)
	h.nextSubID++
	subID := h.nextSubID
	stream.subscribers[subID] = ch

	replay, needsBootstrap := computeBuildEventReplay(stream.records, lastEventID)

	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		streamState, ok := h.streams[buildID]
		if !ok {
			return
		}
		sub, ok := streamState.subscribers[subID]
		if !ok {
			return
		}
		delete(streamState.subscribers, subID)
		close(sub)
	}

	return replay, ch, needsBootstrap, unsubscribe
}

func (h *buildEventHub) latestSequence(buildID string) int64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.streams[strings.TrimSpace(buildID)]
	if !ok {
		return 0
	}
	return stream.nextSequence
}

func (h *buildEventHub) streamForLocked(buildID string) *buildEventStream {
	stream, ok := h.streams[buildID]
	if ok {
		return stream
	}
	stream = &buildEventStream{
		records:      []buildEventRecord{},
		subscribers:  map[uint64]chan buildEventRecord{},
		nextSequence: 0,
		terminalAt:   time.Time{},
	}
	h.streams[buildID] = stream
	return stream
}

func (h *buildEventHub) cleanupLocked(now time.Time) {
	for buildID, stream := range h.streams {
		if stream.terminalAt.IsZero() {
			continue
		}
		if len(stream.subscribers) > 0 {
			continue
		}
		if now.Sub(stream.terminalAt) < h.terminalTTL {
			continue
		}
		delete(h.streams, buildID)
	}
}

func buildEventRange(records []buildEventRecord) (int64, int64) {
	if len(records) == 0 {
		return 0, 0
	}
	return records[0].Payload.Sequence, records[len(records)-1].Payload.Sequence
}

func computeBuildEventReplay(
	records []buildEventRecord,
	lastEventID string,
) ([]buildEventRecord, bool) {
	lastEventID = strings.TrimSpace(lastEventID)
	if lastEventID == "" {
		return nil, true
	}

	lastSeq, ok := parseBuildEventSequence(lastEventID)
	if !ok {
		return nil, true
	}
	oldest, newest := buildEventRange(records)
	if oldest == 0 && newest == 0 {
		return nil, true
	}
	if lastSeq < oldest-1 || lastSeq > newest {
		return nil, true
	}

	replay := make([]buildEventRecord, 0, len(records))
	for _, record := range records {
		if record.Payload.Sequence > lastSeq {
			replay = append(replay, record)
		}
	}
	return replay, false
}

func parseBuildEventSequence(raw string) (int64, bool) {
	seq, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func newBuildEventBase(build Build) buildEventPayload {
	return buildEventPayload{
		EventID:         "",
		Sequence:        0,
		BuildID:         build.ID,
		RecipeID:        build.RecipeID,
		Kind:            build.Kind,
		Variant:         build.Variant,
		Status:          strings.TrimSpace(build.Status),
		At:              time.Now().UTC(),
		Worker:          "",
		StepIndex:       0,
		TotalSteps:      buildTotalStepsChain,
		ProgressPercent: buildProgressPercent(build),
		DurationMS:      0,
		Message:         "",
		Error:           "",
		Artifacts:       nil,
		Hint:            "",
	}
}

func newBuildBootstrapSnapshot(build Build) buildEventPayload {
	payload := newBuildEventBase(build)
	payload.At = buildEventSnapshotTime(build)

	if len(build.Steps) > 0 {
		latestIdx := len(build.Steps) - 1
		latest := build.Steps[latestIdx]
		payload.Worker = strings.TrimSpace(latest.Worker)
		payload.StepIndex = latestIdx + 1
		payload.Message = strings.TrimSpace(latest.Message)
		payload.Error = strings.TrimSpace(latest.Error)
		payload.Artifacts = boundedBuildEventArtifacts(latest.Artifacts)
		if !latest.StartedAt.IsZero() && !latest.EndedAt.IsZero() && latest.EndedAt.After(latest.StartedAt) {
			payload.DurationMS = latest.EndedAt.Sub(latest.StartedAt).Milliseconds()
		}
	}
	if payload.Error == "" {
		payload.Error = strings.TrimSpace(build.Error)
	}
	if payload.Error != "" {
		payload.Hint = buildFailureHint(payload.Error)
	}

	switch strings.TrimSpace(payload.Status) {
	case buildStatusQueued:
		if payload.Message == "" {
			payload.Message = "build accepted and queued"
		}
	case buildStatusRunning:
		if payload.Message == "" {
			payload.Message = "build in progress"
		}
	case buildStatusDone:
		if payload.Message == "" {
			payload.Message = buildMessageDone
		}
	case buildStatusError:
		if payload.Message == "" {
			payload.Message = buildMessageFailed
		}
	}
	return payload
}

func buildEventSnapshotTime(build Build) time.Time {
	if !build.Finished.IsZero() {
		return build.Finished.UTC()
	}
	if len(build.Steps) > 0 {
		latest := build.Steps[len(build.Steps)-1]
		if !latest.EndedAt.IsZero() {
			return latest.EndedAt.UTC()
		}
		if !latest.StartedAt.IsZero() {
			return latest.StartedAt.UTC()
		}
	}
	if !build.Requested.IsZero() {
		return build.Requested.UTC()
	}
	return time.Now().UTC()
}

func emitBuildBootstrap(h *buildEventHub, build Build, msg string) {
	if h == nil {
		return
	}
	payload := newBuildEventBase(build)
	payload.Message = strings.TrimSpace(msg)
	h.publish(buildEventBootstrap, payload)
}

func emitBuildStatus(h *buildEventHub, build Build, msg string) {
	if h == nil {
		return
	}
	payload := newBuildEventBase(build)
	payload.Message = strings.TrimSpace(msg)
	h.publish(buildEventStatus, payload)
}

func emitBuildStepStarted(h *buildEventHub, build Build, worker string, stepIndex int, msg string) {
	if h == nil {
		return
	}
	payload := newBuildEventBase(build)
	payload.Worker = strings.TrimSpace(worker)
	payload.StepIndex = stepIndex
	payload.Message = strings.TrimSpace(msg)
	h.publish(buildEventStarted, payload)
}

func emitBuildStepEnded(
	h *buildEventHub,
	build Build,
	worker string,
	stepIndex int,
	message string,
	stepErr string,
	artifacts []string,
	startedAt time.Time,
	endedAt time.Time,
) {
	if h == nil {
		return
	}
	payload := newBuildEventBase(build)
	payload.Worker = strings.TrimSpace(worker)
	payload.StepIndex = stepIndex
	payload.Message = strings.TrimSpace(message)
	payload.Error = strings.TrimSpace(stepErr)
	if payload.Error != "" {
		payload.Hint = buildFailureHint(payload.Error)
	}
	payload.Artifacts = boundedBuildEventArtifacts(artifacts)
	if !startedAt.IsZero() && !endedAt.IsZero() && endedAt.After(startedAt) {
		payload.DurationMS = endedAt.Sub(startedAt).Milliseconds()
	}
	h.publish(buildEventEnded, payload)

	if len(payload.Artifacts) == 0 {
		return
	}
	artifactPayload := payload
	if artifactPayload.Message == "" {
		artifactPayload.Message = "step produced artifacts"
	}
	h.publish(buildEventArtifacts, artifactPayload)
}

func emitBuildTerminal(h *buildEventHub, build Build) {
	if h == nil {
		return
	}
	payload := newBuildEventBase(build)
	payload.Error = strings.TrimSpace(build.Error)
	if payload.Status == buildStatusError {
		if payload.Error != "" {
			payload.Hint = buildFailureHint(payload.Error)
		}
		if payload.Message == "" {
			payload.Message = buildMessageFailed
		}
		h.publish(buildEventFailed, payload)
		return
	}
	if payload.Status == buildStatusDone {
		payload.Message = buildMessageDone
		h.publish(buildEventCompleted, payload)
	}
}

func newBuildHeartbeatPayload(base buildEventPayload, sequence int64) buildEventPayload {
	payload := base
	if sequence < 0 {
		sequence = 0
	}
	payload.EventID = strconv.FormatInt(sequence, 10)
	payload.Sequence = sequence
	payload.At = time.Now().UTC()
	payload.Message = "stream heartbeat"
	payload.Worker = ""
	payload.StepIndex = 0
	payload.DurationMS = 0
	payload.Artifacts = nil
	return payload
}

func boundedBuildEventArtifacts(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	if len(in) <= buildEventArtifactsLimit {
		return append([]string(nil), in...)
	}
	return append([]string(nil), in[:buildEventArtifactsLimit]...)
}

func buildProgressPercent(build Build) int {
	done := 0
	for _, step := range build.Steps {
		if !step.EndedAt.IsZero() && strings.TrimSpace(step.Error) == "" {
			done++
		}
	}
	pct := int((float64(done) / float64(buildTotalStepsChain)) * buildProgressMax)
	switch strings.TrimSpace(build.Status) {
	case buildStatusRunning:
		if pct < buildProgressMin {
			return buildProgressMin
		}
	case buildStatusError:
		if pct < buildProgressMin {
			return buildProgressMin
		}
	case buildStatusDone:
		return buildProgressMax
	}
	if pct > buildProgressMax {
		return buildProgressMax
	}
	if pct < 0 {
		return 0
	}
	return pct
}

func buildFailureHint(errMsg string) string {
	msg := strings.ToLower(strings.TrimSpace(errMsg))
	switch {
	case msg == "":
		return "Retry the build after refreshing recipe state."
	case strings.Contains(msg, "invalid pin"):
		return "Fix the named version pin in the recipe and retry."
	case strings.Contains(msg, "buildkit"):
		return "Verify the BuildKit daemon is reachable or run in artifact mode."
	case strings.Contains(msg, "dockerfile"):
		return "The rendered plan failed validation. Inspect the rendered artifacts."
	case strings.Contains(msg, "timeout"):
		return "The build timed out. Retry and inspect worker step details."
	case strings.Contains(msg, "not found"):
		return "Refresh recipe data. The recipe or artifact may no longer exist."
	default:
		return "Inspect artifacts and step details, then retry when inputs are corrected."
	}
}
