package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/voicewarden/audio"
	"github.com/onnwee/voicewarden/clock"
	"github.com/onnwee/voicewarden/platform"
	"github.com/onnwee/voicewarden/retry"
	"github.com/onnwee/voicewarden/telemetry"
	"github.com/onnwee/voicewarden/transcribe"
)

// gapHistory is how many inter-frame gaps the silence watchdog remembers.
const gapHistory = 16

// pipeline captures one speaker's stream into a raw artifact and finalizes it exactly
// once: drain, convert, transcribe, post, delete. The finalizing flag is the single
// in-flight marker; every trigger (silence watchdog, stop grace, teardown, stream end)
// funnels through finalize and all but the first block until the work is done.
type pipeline struct {
	sup       *Supervisor
	groupID   string
	userID    string
	channelID string
	captureID string
	rawPath   string
	logger    *slog.Logger

	frames    <-chan platform.AudioFrame
	cancelSub func()
	decoder   audio.Decoder
	file      *os.File
	analyzer  *loudness

	mu           sync.Mutex
	written      int64
	stopTimer    clock.Timer
	silenceTimer clock.Timer
	lastFrameAt  time.Time
	gaps         []time.Duration
	finalizing   bool

	runDone chan struct{}
	done    chan struct{}
}

func newPipeline(s *Supervisor, groupID, userID, channelID string) (*pipeline, error) {
	captureID := uuid.NewString()
	rawPath := s.store.RawPath(userID, captureID, s.clk.Now())
	s.store.MarkInUse(rawPath)

	file, err := os.Create(rawPath)
	if err != nil {
		s.store.Release(rawPath)
		return nil, fmt.Errorf("create raw artifact: %w", err)
	}

	frames, cancelSub, err := s.audio.SubscribeAudio(context.Background(), groupID, userID)
	if err != nil {
		file.Close()
		os.Remove(rawPath)
		s.store.Release(rawPath)
		return nil, fmt.Errorf("subscribe audio: %w", err)
	}

	p := &pipeline{
		sup:       s,
		groupID:   groupID,
		userID:    userID,
		channelID: channelID,
		captureID: captureID,
		rawPath:   rawPath,
		logger: s.logger.With(
			slog.String("group_id", groupID),
			slog.String("user_id", userID),
			slog.String("capture_id", captureID)),
		frames:    frames,
		cancelSub: cancelSub,
		decoder:   s.NewDecoder(),
		file:      file,
		runDone:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.analyzer = newLoudness(func(rule string) { p.alert(rule) })
	return p, nil
}

// abort tears down a pipeline that never ran (lost an admission race).
func (p *pipeline) abort() {
	p.cancelSub()
	p.decoder.Close()
	p.file.Close()
	os.Remove(p.rawPath)
	p.sup.store.Release(p.rawPath)
	close(p.runDone)
	close(p.done)
}

// run drains the frame stream until the platform closes it, then finalizes in case
// nothing else already has.
func (p *pipeline) run() {
	p.armSilence()
	p.loop()
	close(p.runDone)
	p.finalize("stream_end")
}

func (p *pipeline) loop() {
	for f := range p.frames {
		samples, err := p.decoder.Decode(f.Opus)
		if err != nil {
			p.logger.Warn("frame decode failed", slog.Any("err", err))
			telemetry.PipelineErrors.Inc()
			continue
		}
		if len(samples) == 0 {
			continue
		}
		if err := binary.Write(p.file, binary.LittleEndian, samples); err != nil {
			p.logger.Error("raw artifact write failed", slog.Any("err", err))
			telemetry.PipelineErrors.Inc()
			return
		}
		now := p.sup.clk.Now()
		p.noteActivity(now, int64(len(samples))*2)
		p.analyzer.observe(now, audio.RMS(samples))
	}
}

// noteActivity records the inter-frame gap and re-arms the silence watchdog with the
// current adaptive threshold.
func (p *pipeline) noteActivity(now time.Time, bytes int64) {
	p.mu.Lock()
	p.written += bytes
	if !p.lastFrameAt.IsZero() {
		p.gaps = append(p.gaps, now.Sub(p.lastFrameAt))
		if len(p.gaps) > gapHistory {
			p.gaps = p.gaps[len(p.gaps)-gapHistory:]
		}
	}
	p.lastFrameAt = now
	p.mu.Unlock()
	p.armSilence()
}

// silenceThreshold adapts to this speaker's delivery cadence: four times the largest
// recent gap, clamped to the configured bounds. With no history it starts at the floor.
func (p *pipeline) silenceThreshold() time.Duration {
	var longest time.Duration
	for _, g := range p.gaps {
		if g > longest {
			longest = g
		}
	}
	th := 4 * longest
	if th < p.sup.cfg.SilenceMin {
		th = p.sup.cfg.SilenceMin
	}
	if th > p.sup.cfg.SilenceMax {
		th = p.sup.cfg.SilenceMax
	}
	return th
}

func (p *pipeline) armSilence() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalizing {
		return
	}
	if p.silenceTimer != nil {
		p.silenceTimer.Stop()
	}
	p.silenceTimer = p.sup.clk.AfterFunc(p.silenceThreshold(), func() {
		p.finalize("silence")
	})
}

// scheduleStop arms the stop-grace timer after a speaking-stop event. Re-arming while
// already pending is a no-op; the first deadline stands.
func (p *pipeline) scheduleStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalizing || p.stopTimer != nil {
		return
	}
	p.stopTimer = p.sup.clk.AfterFunc(p.sup.cfg.StopGrace, func() {
		p.finalize("stop")
	})
}

// resume cancels a pending stop when the speaker starts again within the grace window.
func (p *pipeline) resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopTimer != nil {
		p.stopTimer.Stop()
		p.stopTimer = nil
	}
}

func (p *pipeline) alert(rule string) {
	telemetry.AlertsFired.Inc()
	p.logger.Info("loudness alert", slog.String("rule", rule))
	if p.sup.poster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := fmt.Sprintf("loudness threshold exceeded (%s)", rule)
	if err := p.sup.poster.PostAlert(ctx, p.groupID, p.userID, msg); err != nil {
		p.logger.Warn("alert post failed", slog.Any("err", err))
	}
}

// finalize runs the capture's single teardown sequence. The first caller does the work;
// every later caller blocks until it completes, so callers may rely on the artifacts
// being gone when finalize returns.
func (p *pipeline) finalize(reason string) {
	p.mu.Lock()
	if p.finalizing {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.finalizing = true
	if p.stopTimer != nil {
		p.stopTimer.Stop()
		p.stopTimer = nil
	}
	if p.silenceTimer != nil {
		p.silenceTimer.Stop()
		p.silenceTimer = nil
	}
	p.mu.Unlock()
	defer close(p.done)

	p.cancelSub()
	<-p.runDone
	p.decoder.Close()

	if err := p.file.Sync(); err != nil {
		p.logger.Warn("raw artifact sync failed", slog.Any("err", err))
	}
	if err := p.file.Close(); err != nil {
		p.logger.Warn("raw artifact close failed", slog.Any("err", err))
	}
	p.sup.remove(p)

	p.mu.Lock()
	written := p.written
	p.mu.Unlock()
	logger := p.logger.With(slog.String("reason", reason), slog.Int64("bytes", written))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "capture", "finalize",
		attribute.String("group_id", p.groupID),
		attribute.String("user_id", p.userID),
		attribute.String("reason", reason),
		attribute.Int64("bytes", written))
	defer span.End()
	defer p.sup.store.Release(p.rawPath)

	if written < p.sup.cfg.MinArtifactLen {
		logger.Info("artifact below minimum size; discarding")
		telemetry.PipelinesDiscarded.Inc()
		p.sup.store.DeleteQuiet(ctx, p.rawPath)
		return
	}

	p.transcribeAndPost(ctx, logger)
	telemetry.PipelinesFinalized.Inc()
	logger.Info("pipeline finalized")
}

// transcribeAndPost converts the raw artifact, runs speech-to-text, posts any resulting
// transcript, and deletes both artifacts regardless of outcome.
func (p *pipeline) transcribeAndPost(ctx context.Context, logger *slog.Logger) {
	defer p.sup.store.DeleteQuiet(ctx, p.rawPath)

	opts := retry.Defaults()
	opts.Retryable = transcribe.IsTransient

	var wavPath string
	telemetry.TimeFunc(telemetry.TranscriptionDuration, func() {
		err := retry.Do(ctx, opts, func() error {
			var cerr error
			wavPath, cerr = p.sup.adapter.Convert(ctx, p.rawPath)
			return cerr
		})
		if err != nil {
			logger.Warn("artifact conversion failed", slog.Any("err", err))
			telemetry.TranscriptionsFailed.Inc()
			return
		}
		p.sup.store.MarkInUse(wavPath)
		defer p.sup.store.Release(wavPath)
		defer p.sup.store.DeleteQuiet(ctx, wavPath)

		var text string
		err = retry.Do(ctx, opts, func() error {
			var terr error
			text, terr = p.sup.adapter.Transcribe(ctx, wavPath)
			return terr
		})
		if err != nil {
			logger.Warn("transcription failed", slog.Any("err", err))
			telemetry.TranscriptionsFailed.Inc()
			return
		}
		telemetry.TranscriptionsSucceeded.Inc()
		if text == "" {
			logger.Debug("no recognizable speech")
			return
		}
		if p.sup.poster != nil {
			if err := p.sup.poster.PostTranscript(ctx, p.groupID, p.userID, text, p.channelID); err != nil {
				logger.Warn("transcript post failed", slog.Any("err", err))
			}
		}
	})
}

func (p *pipeline) info() PipelineInfo {
	p.mu.Lock()
	written := p.written
	p.mu.Unlock()
	return PipelineInfo{
		GroupID:   p.groupID,
		UserID:    p.userID,
		ChannelID: p.channelID,
		CaptureID: p.captureID,
		Bytes:     written,
	}
}
