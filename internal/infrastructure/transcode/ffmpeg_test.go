package transcode

import (
	"context"
	"strings"
	"testing"
	"time"

	"aetherlive/internal/core/domain"
	"aetherlive/pkg/config"
	"aetherlive/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	return NewFactory(config.DefaultConfig(), logger.NewNop())
}

func TestIngestURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transcode.IngestTemplate = "rtmp://ingest.example.com/live/%s"
	f := NewFactory(cfg, logger.NewNop())

	assert.Equal(t, "rtmp://ingest.example.com/live/XYZ", f.IngestURL("XYZ"))
}

func TestBuildArgsSingleDestination(t *testing.T) {
	f := testFactory(t)
	args := f.buildArgs([]string{"rtmp://a.example.com/live/key"})
	line := strings.Join(args, " ")

	assert.Contains(t, line, "-i pipe:0")
	assert.Contains(t, line, "-c:v libx264")
	assert.Contains(t, line, "-f flv rtmp://a.example.com/live/key")
	assert.NotContains(t, line, "tee")
}

func TestBuildArgsTeeFanOut(t *testing.T) {
	f := testFactory(t)
	args := f.buildArgs([]string{
		"rtmp://a.example.com/live/key",
		"rtmp://b.example.com/app/other",
	})
	line := strings.Join(args, " ")

	assert.Contains(t, line, "-f tee")
	assert.Contains(t, line,
		"[f=flv:onfail=ignore]rtmp://a.example.com/live/key|[f=flv:onfail=ignore]rtmp://b.example.com/app/other")
}

func TestNewRejectsEmptyDestinations(t *testing.T) {
	f := testFactory(t)
	_, err := f.New("ab12", nil, nil)
	assert.ErrorIs(t, err, domain.ErrNoDestinations)
}

func TestFeedBeforeStartIsDropped(t *testing.T) {
	tr := newTranscoder("cat", nil, "ab12", []string{"d"}, time.Second, 8, nil, logger.NewNop().Sugar())
	assert.False(t, tr.Feed([]byte("chunk")))
	assert.False(t, tr.Running())
}

func TestLifecycleWithStubProcess(t *testing.T) {
	exitCode := make(chan int, 1)
	tr := newTranscoder("cat", nil, "ab12", []string{"d"}, time.Second, 8,
		func(code int) { exitCode <- code },
		logger.NewNop().Sugar(),
	)

	require.NoError(t, tr.Start(context.Background()))
	assert.True(t, tr.Running())

	assert.True(t, tr.Feed([]byte("chunk-1")))
	assert.True(t, tr.Feed([]byte("chunk-2")))

	require.NoError(t, tr.Stop())

	select {
	case code := <-exitCode:
		assert.Equal(t, 0, code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback never fired")
	}

	assert.False(t, tr.Running())
	assert.False(t, tr.Feed([]byte("late")))

	// Stop is idempotent.
	assert.NoError(t, tr.Stop())
}

func TestSpontaneousExitReportsCode(t *testing.T) {
	exitCode := make(chan int, 1)
	tr := newTranscoder("false", nil, "ab12", []string{"d"}, time.Second, 8,
		func(code int) { exitCode <- code },
		logger.NewNop().Sugar(),
	)

	require.NoError(t, tr.Start(context.Background()))

	select {
	case code := <-exitCode:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback never fired")
	}

	assert.False(t, tr.Running())
	assert.False(t, tr.Feed([]byte("chunk")))
}

func TestStartTwiceFails(t *testing.T) {
	tr := newTranscoder("cat", nil, "ab12", []string{"d"}, time.Second, 8, nil, logger.NewNop().Sugar())
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop()

	assert.Error(t, tr.Start(context.Background()))
}
