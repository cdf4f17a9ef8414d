package mixd

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// DesktopNotifier sends desktop notifications for problems the user
// must act on themselves, like a broken configuration file
type DesktopNotifier struct {
	logger *zap.SugaredLogger
}

func NewDesktopNotifier(logger *zap.SugaredLogger) (*DesktopNotifier, error) {
	logger = logger.Named("notifier")

	notifier := &DesktopNotifier{logger: logger}

	logger.Debug("Created desktop notifier instance")

	return notifier, nil
}

// Notify sends a desktop notification, unless one can't be sent
// (headless session) - in which case the log line has to do
func (n *DesktopNotifier) Notify(title string, message string) {
	n.logger.Infow("Sending notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		n.logger.Warnw("Failed to send notification", "error", err)
	}
}
