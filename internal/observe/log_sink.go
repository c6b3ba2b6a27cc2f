package observe

import "go.uber.org/zap"

// LogSink writes every event as a structured log line
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a zap-backed sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Handle implements Sink
func (l *LogSink) Handle(e Event) {
	if e.Kind == KindLevel {
		// Published several times a second while capturing.
		return
	}
	fields := []zap.Field{
		zap.String("utteranceID", e.UtteranceID.String()),
		zap.String("kind", string(e.Kind)),
	}
	if e.Stage != "" {
		fields = append(fields, zap.String("stage", string(e.Stage)))
	}
	if e.Outcome != "" {
		fields = append(fields, zap.String("outcome", string(e.Outcome)))
	}
	if e.Duration > 0 {
		fields = append(fields, zap.Duration("duration", e.Duration))
	}
	if e.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", e.Attempts))
	}
	if e.Err != "" {
		fields = append(fields, zap.String("error", e.Err))
	}

	switch e.Kind {
	case KindUtteranceFailed, KindStageFailed:
		l.logger.Error("Pipeline event", fields...)
	case KindFallback, KindQueueFull:
		l.logger.Warn("Pipeline event", fields...)
	case KindFragment, KindStageStarted:
		l.logger.Debug("Pipeline event", fields...)
	default:
		l.logger.Info("Pipeline event", fields...)
	}
}
