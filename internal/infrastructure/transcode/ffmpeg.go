package transcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/core/ports"
	"aetherlive/pkg/config"

	"go.uber.org/zap"
)

// Factory builds ffmpeg transcoders from the transcode config section.
type Factory struct {
	ffmpegPath       string
	ingestTemplate   string
	videoBitrateKbps int
	audioBitrateKbps int
	keyframeInterval int
	preset           string
	stopTimeout      time.Duration
	queueSize        int

	logger *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.Logger) *Factory {
	return &Factory{
		ffmpegPath:       cfg.Transcode.FFmpegPath,
		ingestTemplate:   cfg.Transcode.IngestTemplate,
		videoBitrateKbps: cfg.Transcode.VideoBitrateKbps,
		audioBitrateKbps: cfg.Transcode.AudioBitrateKbps,
		keyframeInterval: cfg.Transcode.KeyframeInterval,
		preset:           cfg.Transcode.Preset,
		stopTimeout:      cfg.Transcode.StopTimeout,
		queueSize:        cfg.Relay.ChunkQueueSize,
		logger:           logger.Sugar(),
	}
}

// IngestURL derives the primary RTMP destination from a stream key.
func (f *Factory) IngestURL(streamKey string) string {
	return fmt.Sprintf(f.ingestTemplate, streamKey)
}

// New builds a transcoder for a fixed destination set. The set cannot be
// changed afterwards; changing destinations requires stop and restart.
func (f *Factory) New(sessionID domain.SessionID, destinations []string, onExit func(code int)) (ports.Transcoder, error) {
	if len(destinations) == 0 {
		return nil, domain.ErrNoDestinations
	}
	return newTranscoder(
		f.ffmpegPath,
		f.buildArgs(destinations),
		sessionID,
		destinations,
		f.stopTimeout,
		f.queueSize,
		onExit,
		f.logger,
	), nil
}

// buildArgs assembles the ffmpeg argument line: read raw media from
// stdin, encode once, and either write flv to a single RTMP destination
// or fan out identical copies with the tee muxer.
func (f *Factory) buildArgs(destinations []string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", f.preset,
		"-b:v", fmt.Sprintf("%dk", f.videoBitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", f.videoBitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", 2*f.videoBitrateKbps),
		"-g", fmt.Sprintf("%d", f.keyframeInterval),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", f.audioBitrateKbps),
		"-ar", "44100",
	}

	if len(destinations) == 1 {
		return append(args, "-f", "flv", destinations[0])
	}

	outputs := make([]string, len(destinations))
	for i, dest := range destinations {
		outputs[i] = fmt.Sprintf("[f=flv:onfail=ignore]%s", dest)
	}
	return append(args, "-map", "0", "-f", "tee", strings.Join(outputs, "|"))
}

// ffmpegTranscoder owns one external encoding process. All interaction
// goes through Start, Feed, Stop; the exit callback fires exactly once
// from the reaper goroutine.
type ffmpegTranscoder struct {
	path         string
	args         []string
	sessionID    domain.SessionID
	destinations []string
	stopTimeout  time.Duration
	onExit       func(code int)

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	stopped bool

	queue    chan []byte
	quit     chan struct{}
	done     chan struct{}
	writable atomic.Bool
	exited   atomic.Bool

	logger *zap.SugaredLogger
}

func newTranscoder(
	path string,
	args []string,
	sessionID domain.SessionID,
	destinations []string,
	stopTimeout time.Duration,
	queueSize int,
	onExit func(code int),
	logger *zap.SugaredLogger,
) *ffmpegTranscoder {
	return &ffmpegTranscoder{
		path:         path,
		args:         args,
		sessionID:    sessionID,
		destinations: destinations,
		stopTimeout:  stopTimeout,
		onExit:       onExit,
		queue:        make(chan []byte, queueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logger,
	}
}

func (t *ffmpegTranscoder) Destinations() []string {
	return t.destinations
}

func (t *ffmpegTranscoder) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("transcoder already started for session %s", t.sessionID)
	}

	cmd := exec.Command(t.path, t.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start transcoder: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true
	t.writable.Store(true)

	t.logger.Infow("transcoder started",
		"session_id", t.sessionID,
		"pid", cmd.Process.Pid,
		"destinations", len(t.destinations),
	)

	go t.drainStderr(stderr)
	go t.writeLoop()
	go t.reap()

	return nil
}

// Feed queues one media chunk for the process stdin. Returns false when
// the chunk was dropped: not started, input no longer writable, or the
// queue is full (sustained backpressure).
func (t *ffmpegTranscoder) Feed(chunk []byte) bool {
	if !t.Running() || !t.writable.Load() {
		return false
	}
	select {
	case t.queue <- chunk:
		return true
	default:
		return false
	}
}

func (t *ffmpegTranscoder) Running() bool {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	return started && !t.exited.Load()
}

// Stop closes the process input to let the encoder flush, then escalates
// to SIGKILL after the stop timeout. Safe to call more than once.
func (t *ffmpegTranscoder) Stop() error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.writable.Store(false)
	close(t.quit)
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	stdin.Close()

	select {
	case <-t.done:
	case <-time.After(t.stopTimeout):
		t.logger.Warnw("transcoder did not exit after input close, killing",
			"session_id", t.sessionID,
		)
		cmd.Process.Kill()
		<-t.done
	}
	return nil
}

func (t *ffmpegTranscoder) writeLoop() {
	for {
		select {
		case <-t.quit:
			return
		case chunk := <-t.queue:
			if _, err := t.stdin.Write(chunk); err != nil {
				// Closed pipe or crashed encoder: stop accepting,
				// drop this and all further chunks.
				if t.writable.CompareAndSwap(true, false) {
					t.logger.Warnw("transcoder input write failed, dropping chunks",
						"session_id", t.sessionID,
						"error", err,
					)
				}
				return
			}
		}
	}
}

func (t *ffmpegTranscoder) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debugw("ffmpeg", "session_id", t.sessionID, "line", scanner.Text())
	}
}

func (t *ffmpegTranscoder) reap() {
	err := t.cmd.Wait()

	code := 0
	if t.cmd.ProcessState != nil {
		code = t.cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}

	t.exited.Store(true)
	t.writable.Store(false)
	close(t.done)

	t.logger.Infow("transcoder exited",
		"session_id", t.sessionID,
		"exit_code", code,
	)

	if t.onExit != nil {
		t.onExit(code)
	}
}
