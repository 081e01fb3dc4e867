package auth

import (
	"context"

	"go.uber.org/zap"
)

// LogMailer writes verification tokens to the log instead of sending mail.
// Used in development and as the fallback when no SMTP relay is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a mailer that only logs.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.Named("mailer")}
}

// SendVerification logs the verification token for the operator to relay.
func (m *LogMailer) SendVerification(_ context.Context, email, token string) error {
	m.logger.Info("Verification token issued",
		zap.String("email", email),
		zap.String("token", token),
	)
	return nil
}
