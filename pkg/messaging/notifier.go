// Package messaging delivers out-of-band notifications about finished
// calls, currently by SMS through the telephony provider.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
)

// smsMaxLength caps the notification body at the provider's segmented
// message limit.
const smsMaxLength = 1600

// SMSSender sends a text message
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// SummaryNotifier texts the final call summary to the requesting user
type SummaryNotifier struct {
	sender SMSSender
	logger *slog.Logger
}

// NewSummaryNotifier creates an SMS summary notifier
func NewSummaryNotifier(sender SMSSender, logger *slog.Logger) *SummaryNotifier {
	return &SummaryNotifier{
		sender: sender,
		logger: logger.With(slog.String("component", "notifier")),
	}
}

// NotifySummary sends the summary to the given number
func (n *SummaryNotifier) NotifySummary(ctx context.Context, to, summary string) error {
	body := "RouteGuard call update: " + summary
	if len(body) > smsMaxLength {
		body = body[:smsMaxLength]
	}

	if err := n.sender.SendSMS(ctx, to, body); err != nil {
		return fmt.Errorf("failed to send summary sms: %w", err)
	}

	n.logger.Info("summary delivered by sms", slog.String("to", to))
	return nil
}
