// Package notify implements the engine's UI side channel for headless
// runs: notifications become structured log lines.
package notify

import (
	"go.uber.org/zap"
)

// Logger is an engine.Notifier that writes every notification to a zap
// logger under the "notify" name.
type Logger struct {
	log *zap.Logger
}

// NewLogger wraps l. A nil logger discards notifications.
func NewLogger(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{log: l.Named("notify")}
}

func (n *Logger) ClearMessageNotification(messageID string) {
	n.log.Info("clear message notification", zap.String("message_id", messageID))
}

func (n *Logger) ClearReactionNotification(reactionID string) {
	n.log.Info("clear reaction notification", zap.String("reaction_id", reactionID))
}

func (n *Logger) BackfillFailed(messageID, reason string) {
	n.log.Warn("attachment backfill failed",
		zap.String("message_id", messageID),
		zap.String("reason", reason))
}

func (n *Logger) Toast(kind string) {
	n.log.Info("toast", zap.String("kind", kind))
}
