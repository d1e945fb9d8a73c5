package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind names the auth interactions worth recording.
type EventKind string

const (
	EventCodeExchanged  EventKind = "code_exchanged"
	EventTokenRefreshed EventKind = "token_refreshed"
	EventKeyRefreshed   EventKind = "key_refreshed"
)

// AuthEvent describes one interaction with the auth backend.
type AuthEvent struct {
	Kind    EventKind
	Subject string // account ID when known
	Err     string // failure detail, empty on success
	At      time.Time
}

// EventLogger records auth events to an external sink (audit log, metrics).
// Implementations should be non-blocking and best-effort.
type EventLogger interface {
	LogAuthEvent(ctx context.Context, ev AuthEvent) error
}

// LogrusEventLogger writes auth events to a logrus logger. A nil Log falls
// back to the logrus standard logger.
type LogrusEventLogger struct {
	Log *logrus.Logger
}

func (l *LogrusEventLogger) LogAuthEvent(_ context.Context, ev AuthEvent) error {
	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{
		"event":   string(ev.Kind),
		"subject": ev.Subject,
	})
	if ev.Err != "" {
		entry.WithField("error", ev.Err).Warn("auth event failed")
		return nil
	}
	entry.Info("auth event")
	return nil
}
