// Package notify delivers unlock and completion notifications. Delivery is fire-and-forget
// from the engine's point of view: failures are logged and counted, never returned.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/logging"
	"github.com/dripflow/dripflow/pkg/metrics"
)

const (
	TemplateItemUnlocked      = "item_unlocked"
	TemplateSequenceCompleted = "sequence_completed"
)

type Message struct {
	ID          string            `json:"event_id"`
	TemplateRef string            `json:"template_ref"`
	Recipient   string            `json:"recipient"`
	Context     map[string]string `json:"context"`
}

func NewMessage(templateRef, recipient string, context map[string]string) Message {
	return Message{
		ID:          uuid.NewString(),
		TemplateRef: templateRef,
		Recipient:   recipient,
		Context:     context,
	}
}

// Dispatcher sends one message and returns the provider's message id.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) (string, error)
	Name() string
}

type Nop struct{}

func (Nop) Send(ctx context.Context, msg Message) (string, error) { return msg.ID, nil }

func (Nop) Name() string { return "nop" }

// Async runs dispatches on background goroutines detached from the request context.
type Async struct {
	dispatcher Dispatcher
	timeout    time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup
}

func NewAsync(dispatcher Dispatcher, timeout time.Duration, logger *zap.Logger) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{dispatcher: dispatcher, timeout: timeout, logger: logger.Named("notify")}
}

func (a *Async) Dispatch(ctx context.Context, msg Message) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		messageID, err := a.dispatcher.Send(sendCtx, msg)
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(a.dispatcher.Name(), "failed").Inc()
			a.logger.Warn("notification failed",
				zap.String("template", msg.TemplateRef),
				logging.Identity(msg.Recipient),
				zap.Error(err))
			return
		}
		metrics.NotificationsTotal.WithLabelValues(a.dispatcher.Name(), "sent").Inc()
		a.logger.Debug("notification sent",
			zap.String("template", msg.TemplateRef),
			zap.String("message_id", messageID))
	}()
}

// Wait blocks until in-flight dispatches finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
