package notify

import (
	"context"

	"github.com/nkiryanov/authcore/internal/events"
	"github.com/nkiryanov/authcore/internal/logger"
)

// LogNotifier is the notification collaborator used when no delivery gateway is wired:
// it writes operator-facing events to the log
type LogNotifier struct {
	logger logger.Logger

	// Print OTP codes, never enable in production
	revealCodes bool
}

func NewLogNotifier(l logger.Logger, env string) *LogNotifier {
	return &LogNotifier{
		logger:      l.WithGroup("notify"),
		revealCodes: env != logger.EnvProduction,
	}
}

func (n *LogNotifier) Handle(_ context.Context, e events.Event) {
	switch e.Kind {
	case events.ApiKeyExpiring:
		n.logger.Warn("API key expires soon",
			"key_id", e.Attrs["key_id"],
			"name", e.Attrs["name"],
			"owner_id", e.Attrs["owner_id"],
			"expires_at", e.Attrs["expires_at"],
		)

	case events.ApiKeyRotated:
		n.logger.Info("API key rotated",
			"old_key_id", e.Attrs["old_key_id"],
			"new_key_id", e.Attrs["new_key_id"],
			"revoke_at", e.Attrs["revoke_at"],
		)

	case events.TokenReplayDetected:
		n.logger.Warn("Revoked refresh token presented, possible token theft",
			"user_id", e.Attrs["user_id"],
			"token_id", e.Attrs["token_id"],
		)

	case events.OtpIssued:
		if n.revealCodes {
			n.logger.Info("OTP issued", "identifier", e.Attrs["identifier"], "code", e.Attrs["code"])
			return
		}
		n.logger.Info("OTP issued", "identifier", logger.RedactPhone(e.Attrs["identifier"]))
	}
}
