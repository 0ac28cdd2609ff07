package notifier

import "context"

// TextNotifier is the minimal outbound channel to an operator.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}
