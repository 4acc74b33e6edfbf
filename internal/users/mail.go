package users

import (
	"context"

	"go.uber.org/zap"
)

// LogMailSender is a stand-in delivery backend that logs the reset token
// instead of dispatching real mail. Deployments plug in an actual sender.
type LogMailSender struct {
	Logger *zap.Logger
}

// SendPasswordReset logs the reset token for the given address.
func (s LogMailSender) SendPasswordReset(_ context.Context, email, token string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("password reset requested",
		zap.String("email", email),
		zap.String("token", token))
	return nil
}
