// Package pipeline turns inbound WhatsApp texts into stored conversation turns
// and schedules the automated reply for each of them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"whatsapp-support-gateway/internal/dedupe"
	"whatsapp-support-gateway/internal/models"
	"whatsapp-support-gateway/internal/queue"
	"whatsapp-support-gateway/internal/store"

	"github.com/aniladanir/retry"
)

// ErrDuplicate is returned by Ingest for a provider message id that was
// already processed.
var ErrDuplicate = errors.New("inbound message already processed")

type Store interface {
	FindOrCreateByAddress(ctx context.Context, address, displayNameHint string) (*models.Conversation, error)
	AppendInboundMessage(ctx context.Context, conversationID, providerMessageID, content string) (*models.Message, error)
	AppendMessage(ctx context.Context, conversationID, content string, sender models.Sender) (*models.Message, error)
}

type Responder interface {
	Respond(ctx context.Context, conversationID, userAddress, userText string) string
}

type Sender interface {
	SendText(ctx context.Context, address, body string) error
}

type Notifier interface {
	NotifyMessage(msg models.Message)
}

type Scheduler interface {
	Submit(job queue.Job) error
}

type InboundMessage struct {
	ProviderMessageID string
	From              string
	ContactName       string
	Text              string
}

type Pipeline struct {
	store     Store
	responder Responder
	sender    Sender
	notifier  Notifier
	jobs      Scheduler
	guard     dedupe.Guard
	retrier   *retry.Retrier
	logger    *slog.Logger
}

type Deps struct {
	Store     Store
	Responder Responder
	Sender    Sender
	Notifier  Notifier
	Jobs      Scheduler
	// Guard is optional; without it replays are caught by the store alone.
	Guard dedupe.Guard
}

// New builds a Pipeline whose storage steps run up to maxAttempts times.
func New(deps Deps, maxAttempts int, logger *slog.Logger) (*Pipeline, error) {
	retrierOpts := make([]retry.Option, 0)
	if maxAttempts > 0 {
		retrierOpts = append(retrierOpts, retry.WithMaxAttemps(maxAttempts))
	}
	retrier, err := retry.New(retrierOpts...)
	if err != nil {
		return nil, fmt.Errorf("encountered error when initializing retrier: %w", err)
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	return &Pipeline{
		store:     deps.Store,
		responder: deps.Responder,
		sender:    deps.Sender,
		notifier:  notifier,
		jobs:      deps.Jobs,
		guard:     deps.Guard,
		retrier:   retrier,
		logger:    logger.With("component", "pipeline"),
	}, nil
}

// Ingest persists one inbound text and schedules its reply. It returns once
// the message is durable; the reply runs on the job queue.
func (p *Pipeline) Ingest(ctx context.Context, in InboundMessage) (*models.Message, error) {
	log := p.logger.With("from", in.From, "wamid", in.ProviderMessageID)

	if p.guard != nil && in.ProviderMessageID != "" {
		seen, err := p.guard.Seen(ctx, in.ProviderMessageID)
		switch {
		case err != nil:
			// The store's unique provider id still catches the replay.
			log.Warn("replay guard unavailable", "error", err)
		case seen:
			log.Info("duplicate delivery ignored")
			return nil, ErrDuplicate
		}
	}

	conv, msg, err := p.persist(ctx, in, log)
	if errors.Is(err, store.ErrDuplicateMessage) {
		log.Info("duplicate delivery ignored")
		p.markSeen(ctx, in.ProviderMessageID, log)
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	p.markSeen(ctx, in.ProviderMessageID, log)

	log.Info("inbound message stored", "conversation_id", conv.ID, "message_id", msg.ID)
	p.notifier.NotifyMessage(*msg)

	conversationID, address, text := conv.ID, in.From, in.Text
	if err := p.jobs.Submit(func(ctx context.Context) {
		p.reply(ctx, conversationID, address, text)
	}); err != nil {
		log.Error("reply not scheduled", "conversation_id", conv.ID, "error", err)
	}

	return msg, nil
}

func (p *Pipeline) persist(ctx context.Context, in InboundMessage, log *slog.Logger) (*models.Conversation, *models.Message, error) {
	var (
		conv *models.Conversation
		msg  *models.Message
		err  error
	)

	retryFunc := func(attempt int) (terminate bool) {
		conv, err = p.store.FindOrCreateByAddress(ctx, in.From, in.ContactName)
		if err != nil {
			log.Warn("resolving conversation failed", "attempt", attempt, "error", err)
			return permanent(err)
		}
		msg, err = p.store.AppendInboundMessage(ctx, conv.ID, in.ProviderMessageID, in.Text)
		if err != nil {
			log.Warn("storing inbound message failed", "attempt", attempt, "error", err)
			return permanent(err)
		}
		return true
	}

	ok := <-p.retrier.Retry(ctx, retryFunc, true)
	if err != nil {
		return nil, nil, err
	}
	if !ok || msg == nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, errors.New("storing inbound message: retries exhausted")
	}
	return conv, msg, nil
}

// permanent reports errors that another attempt cannot fix.
// markSeen records a delivery in the replay guard once it is durable.
func (p *Pipeline) markSeen(ctx context.Context, providerMessageID string, log *slog.Logger) {
	if p.guard == nil || providerMessageID == "" {
		return
	}
	if err := p.guard.Mark(context.WithoutCancel(ctx), providerMessageID); err != nil {
		log.Warn("could not record delivery in replay guard", "error", err)
	}
}

func permanent(err error) bool {
	return errors.Is(err, store.ErrDuplicateMessage) ||
		errors.Is(err, store.ErrInvalidAddress) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// reply generates, stores and sends the automated answer. Failures end here.
func (p *Pipeline) reply(ctx context.Context, conversationID, address, text string) {
	log := p.logger.With("conversation_id", conversationID, "to", address)

	answer := p.responder.Respond(ctx, conversationID, address, text)

	msg, err := p.store.AppendMessage(ctx, conversationID, answer, models.SenderBot)
	if err != nil {
		// Still answer the customer; only the transcript misses this turn.
		log.Error("storing bot reply failed", "error", err)
	} else {
		p.notifier.NotifyMessage(*msg)
	}

	if err := p.sender.SendText(ctx, address, answer); err != nil {
		log.Error("sending bot reply failed", "error", err)
		return
	}
	log.Info("bot reply sent")
}

// SendAgentMessage stores a message typed by a human agent and delivers it.
// The message stays stored when delivery fails.
func (p *Pipeline) SendAgentMessage(ctx context.Context, conv *models.Conversation, content string) (*models.Message, error) {
	msg, err := p.store.AppendMessage(ctx, conv.ID, content, models.SenderAgent)
	if err != nil {
		return nil, err
	}
	p.notifier.NotifyMessage(*msg)

	if err := p.sender.SendText(ctx, conv.ContactPhone, content); err != nil {
		return msg, fmt.Errorf("delivering agent message: %w", err)
	}
	return msg, nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyMessage(models.Message) {}
