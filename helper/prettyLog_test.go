package helper

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrettyLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := NewPrettyHandler(&buf, PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{Level: level},
	})
	return slog.New(handler), &buf
}

func TestNewPrettyHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := NewPrettyHandler(&buf, PrettyHandlerOptions{})

	require.NotNil(t, handler, "Expected NewPrettyHandler to return a non-nil handler")
	assert.NotNil(t, handler.Handler, "Expected handler to wrap a slog handler")
	assert.NotNil(t, handler.l, "Expected handler to have a logger")
	assert.True(t, handler.Enabled(context.Background(), slog.LevelInfo), "Expected info to be enabled by default")
	assert.False(t, handler.Enabled(context.Background(), slog.LevelDebug), "Expected debug to be disabled by default")
}

func TestPrettyHandlerHandle(t *testing.T) {
	ctx := context.Background()

	levels := map[slog.Level]string{
		slog.LevelDebug: "DEBUG:",
		slog.LevelInfo:  "INFO:",
		slog.LevelWarn:  "WARN:",
		slog.LevelError: "ERROR:",
	}
	for level, prefix := range levels {
		t.Run("Level "+prefix, func(t *testing.T) {
			var buf bytes.Buffer
			handler := NewPrettyHandler(&buf, PrettyHandlerOptions{SlogOpts: slog.HandlerOptions{Level: slog.LevelDebug}})

			record := slog.NewRecord(time.Now(), level, "Stage finished", 0)
			record.AddAttrs(slog.String("stage", "classification"))

			err := handler.Handle(ctx, record)
			assert.NoError(t, err, "Expected Handle to not return an error")
			assert.Contains(t, buf.String(), prefix)
			assert.Contains(t, buf.String(), "Stage finished")
			assert.Contains(t, buf.String(), `"stage": "classification"`)
		})
	}

	t.Run("Record without attributes prints an empty object", func(t *testing.T) {
		var buf bytes.Buffer
		handler := NewPrettyHandler(&buf, PrettyHandlerOptions{})

		err := handler.Handle(ctx, slog.NewRecord(time.Now(), slog.LevelInfo, "Initialized AlertsDBHandler", 0))
		assert.NoError(t, err)
		assert.Contains(t, buf.String(), "{}")
	})

	t.Run("Timestamp has millisecond precision", func(t *testing.T) {
		var buf bytes.Buffer
		handler := NewPrettyHandler(&buf, PrettyHandlerOptions{})

		err := handler.Handle(ctx, slog.NewRecord(time.Now(), slog.LevelInfo, "Accepted document", 0))
		assert.NoError(t, err)
		assert.Regexp(t, `\[\d{2}:\d{2}:\d{2}\.\d{3}\]`, buf.String())
	})

	t.Run("Typed attributes are encoded as json", func(t *testing.T) {
		logger, buf := newTestPrettyLogger(slog.LevelInfo)
		logger.Info("Completed document",
			slog.Int("chunks", 3),
			slog.Bool("searchable", true),
			slog.Float64("confidence", 0.87),
		)

		output := buf.String()
		assert.Contains(t, output, `"chunks": 3`)
		assert.Contains(t, output, `"searchable": true`)
		assert.Contains(t, output, `"confidence": 0.87`)
	})
}

func TestPrettyHandlerWithAttrs(t *testing.T) {
	t.Run("Logger attributes are printed with every record", func(t *testing.T) {
		logger, buf := newTestPrettyLogger(slog.LevelInfo)
		documentLogger := logger.With(slog.String("document_rid", "5f1c"))

		documentLogger.Info("Extracted text")
		documentLogger.Warn("Stage degraded", slog.String("stage", "entities"))

		output := buf.String()
		assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte(`"document_rid": "5f1c"`)), "Expected both records to carry the logger attribute")
		assert.Contains(t, output, `"stage": "entities"`)
	})

	t.Run("Derived loggers do not share attributes", func(t *testing.T) {
		logger, buf := newTestPrettyLogger(slog.LevelInfo)
		logger.With(slog.String("provider", "openai")).Info("Provider failed")
		logger.Info("No provider")

		output := buf.String()
		assert.Equal(t, 1, bytes.Count([]byte(output), []byte(`"provider"`)))
	})

	t.Run("Records below the level are dropped", func(t *testing.T) {
		logger, buf := newTestPrettyLogger(slog.LevelWarn)
		logger.Info("Accepted document")
		assert.Empty(t, buf.String())
	})
}
