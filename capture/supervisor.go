// Package capture runs the per-speaker audio pipelines: one pipeline per speaking user on
// the active connection, each recording to a raw temp artifact and finalizing exactly once
// into a transcript. The supervisor owns pipeline admission and teardown; pipelines own
// their stream, their watchdogs, and their artifact.
package capture

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/voicewarden/artifact"
	"github.com/onnwee/voicewarden/audio"
	"github.com/onnwee/voicewarden/clock"
	"github.com/onnwee/voicewarden/consent"
	"github.com/onnwee/voicewarden/platform"
	"github.com/onnwee/voicewarden/policy"
	"github.com/onnwee/voicewarden/telemetry"
	"github.com/onnwee/voicewarden/transcribe"
)

// Config carries the capture tunables.
type Config struct {
	StopGrace      time.Duration
	SilenceMin     time.Duration
	SilenceMax     time.Duration
	MinArtifactLen int64
}

type pipeKey struct {
	groupID string
	userID  string
}

// Supervisor admits, tracks, and tears down capture pipelines. It satisfies the router's
// attacher hooks so pipelines never outlive their group's voice connection.
type Supervisor struct {
	cfg      Config
	policies policy.Store
	gate     *consent.Gate
	audio    platform.AudioSubscriber
	poster   platform.Poster
	store    *artifact.Store
	adapter  transcribe.Adapter
	clk      clock.Clock
	logger   *slog.Logger

	// NewDecoder builds the per-pipeline frame decoder. Defaults to raw PCM-16.
	NewDecoder func() audio.Decoder

	mu        sync.Mutex
	pipelines map[pipeKey]*pipeline
	channels  map[string]string // groupID -> connected channel, "" when down
}

// NewSupervisor wires a capture supervisor. clk may be nil for the system clock.
func NewSupervisor(cfg Config, policies policy.Store, gate *consent.Gate, sub platform.AudioSubscriber, poster platform.Poster, store *artifact.Store, adapter transcribe.Adapter, clk clock.Clock) *Supervisor {
	if clk == nil {
		clk = clock.System()
	}
	return &Supervisor{
		cfg:        cfg,
		policies:   policies,
		gate:       gate,
		audio:      sub,
		poster:     poster,
		store:      store,
		adapter:    adapter,
		clk:        clk,
		logger:     slog.Default().With(slog.String("component", "capture_supervisor")),
		NewDecoder: func() audio.Decoder { return audio.PCM16Decoder{} },
		pipelines:  make(map[pipeKey]*pipeline),
		channels:   make(map[string]string),
	}
}

// Connected records the group's active channel. Capture is only admitted for speaking
// events matching it.
func (s *Supervisor) Connected(ctx context.Context, groupID, channelID string) {
	s.mu.Lock()
	s.channels[groupID] = channelID
	s.mu.Unlock()
}

// Disconnecting force-finalizes every pipeline of the group and blocks until each has
// fully drained, converted, and released its artifacts.
func (s *Supervisor) Disconnecting(groupID string) {
	s.mu.Lock()
	delete(s.channels, groupID)
	var victims []*pipeline
	for k, p := range s.pipelines {
		if k.groupID == groupID {
			victims = append(victims, p)
		}
	}
	s.mu.Unlock()

	for _, p := range victims {
		p.finalize("connection_teardown")
	}
}

// HandleSpeaking reacts to a begin/end-of-speech notification.
func (s *Supervisor) HandleSpeaking(ctx context.Context, ev platform.SpeakingEvent) {
	key := pipeKey{groupID: ev.GroupID, userID: ev.UserID}

	s.mu.Lock()
	p := s.pipelines[key]
	active := s.channels[ev.GroupID]
	s.mu.Unlock()

	if !ev.Speaking {
		if p != nil {
			p.scheduleStop()
		}
		return
	}

	if p != nil {
		p.resume()
		return
	}
	if active == "" || ev.ChannelID != active {
		return
	}
	if !s.admit(ctx, ev) {
		return
	}
	s.start(ctx, key, ev.ChannelID)
}

// admit applies the policy and consent gates for a new pipeline.
func (s *Supervisor) admit(ctx context.Context, ev platform.SpeakingEvent) bool {
	p, err := s.policies.GetPolicy(ctx, ev.GroupID)
	if err != nil {
		s.logger.Warn("policy fetch failed; capture refused",
			slog.String("group_id", ev.GroupID), slog.Any("err", err))
		return false
	}
	if !p.TranscriptionEnabled {
		return false
	}
	if p.IsSafeUser(ev.UserID) || p.IsSafeChannel(ev.ChannelID) {
		return false
	}
	return s.gate.Allowed(ctx, ev.GroupID, ev.UserID, ev.ChannelID)
}

func (s *Supervisor) start(ctx context.Context, key pipeKey, channelID string) {
	p, err := newPipeline(s, key.groupID, key.userID, channelID)
	if err != nil {
		s.logger.Warn("pipeline start failed",
			slog.String("group_id", key.groupID),
			slog.String("user_id", key.userID),
			slog.Any("err", err))
		telemetry.PipelineErrors.Inc()
		return
	}

	s.mu.Lock()
	if _, dup := s.pipelines[key]; dup {
		// Lost the race to a concurrent speaking event; keep the first pipeline.
		s.mu.Unlock()
		p.abort()
		return
	}
	// Admission ran without the lock; the connection may have torn down (or moved) in the
	// meantime. Registering past that point would let the pipeline outlive it.
	if s.channels[key.groupID] != channelID {
		s.mu.Unlock()
		s.logger.Info("connection gone before pipeline registration; aborting",
			slog.String("group_id", key.groupID),
			slog.String("user_id", key.userID))
		p.abort()
		return
	}
	s.pipelines[key] = p
	n := len(s.pipelines)
	s.mu.Unlock()

	telemetry.PipelinesStarted.Inc()
	telemetry.SetActivePipelines(n)
	p.logger.Info("pipeline started", slog.String("channel_id", channelID))
	go p.run()
}

// remove drops a finished pipeline from the registry. Keyed by identity so a replacement
// pipeline for the same user is never evicted by its predecessor's finalize.
func (s *Supervisor) remove(p *pipeline) {
	key := pipeKey{groupID: p.groupID, userID: p.userID}
	s.mu.Lock()
	if s.pipelines[key] == p {
		delete(s.pipelines, key)
	}
	n := len(s.pipelines)
	s.mu.Unlock()
	telemetry.SetActivePipelines(n)
}

// ActivePipelines returns the number of live pipelines.
func (s *Supervisor) ActivePipelines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pipelines)
}

// PipelineInfo is the status-endpoint view of one live pipeline.
type PipelineInfo struct {
	GroupID   string `json:"group_id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	CaptureID string `json:"capture_id"`
	Bytes     int64  `json:"bytes"`
}

// PipelineInfos returns a stable snapshot of all live pipelines.
func (s *Supervisor) PipelineInfos() []PipelineInfo {
	s.mu.Lock()
	list := make([]*pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		list = append(list, p)
	}
	s.mu.Unlock()

	infos := make([]PipelineInfo, 0, len(list))
	for _, p := range list {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].GroupID != infos[j].GroupID {
			return infos[i].GroupID < infos[j].GroupID
		}
		return infos[i].UserID < infos[j].UserID
	})
	return infos
}
