// Package telemetry appends database-health events to a JSONL file, one JSON
// object per line. Recording is best-effort; a broken sink never fails the
// operation being observed.
package telemetry

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const HealthFile = "database-health.jsonl"

type Recorder struct {
	logger *zap.Logger
}

// New opens (or creates) the JSONL sink under dir.
func New(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, HealthFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "event"
	encCfg.LevelKey = ""
	encCfg.CallerKey = ""
	encCfg.EncodeTime = zapcore.TimeEncoder(func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Truncate(time.Second).Format(time.RFC3339))
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.InfoLevel)
	return &Recorder{logger: zap.New(core)}, nil
}

// Record writes one event line. Safe on a nil recorder.
func (r *Recorder) Record(event string, fields map[string]any) {
	if r == nil || r.logger == nil {
		return
	}
	zfields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zfields = append(zfields, zap.Any(k, v))
	}
	r.logger.Info(event, zfields...)
}

// Close flushes the sink.
func (r *Recorder) Close() {
	if r == nil || r.logger == nil {
		return
	}
	_ = r.logger.Sync()
}
