package clog

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// TestLogger records messages so specs can assert on diagnostics (mismatch
// warnings, batch failures, final statistics).
type TestLogger struct {
	Messages []string

	mtx sync.Mutex
}

func (t *TestLogger) Debug(msg string, _ ...zap.Field) { t.append("DEBUG: " + msg) }

func (t *TestLogger) Info(msg string, _ ...zap.Field) { t.append("INFO: " + msg) }

func (t *TestLogger) Warn(msg string, _ ...zap.Field) { t.append("WARN: " + msg) }

func (t *TestLogger) Error(msg string, _ ...zap.Field) { t.append("ERROR: " + msg) }

func (t *TestLogger) Fatal(msg string, _ ...zap.Field) { t.append("FATA: " + msg) }

func (t *TestLogger) With(_ ...zap.Field) ICustomLog { return t }

// Contains returns true if any recorded message contains substr.
func (t *TestLogger) Contains(substr string) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for _, m := range t.Messages {
		if strings.Contains(m, substr) {
			return true
		}
	}

	return false
}

func (t *TestLogger) append(msg string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.Messages == nil {
		t.Messages = make([]string, 0)
	}

	t.Messages = append(t.Messages, msg)
}

// CustomLogNoop discards everything.
type CustomLogNoop struct{}

func (n *CustomLogNoop) Debug(_ string, _ ...zap.Field) {}

func (n *CustomLogNoop) Info(_ string, _ ...zap.Field) {}

func (n *CustomLogNoop) Warn(_ string, _ ...zap.Field) {}

func (n *CustomLogNoop) Error(_ string, _ ...zap.Field) {}

func (n *CustomLogNoop) Fatal(_ string, _ ...zap.Field) {}

func (n *CustomLogNoop) With(_ ...zap.Field) ICustomLog { return n }
