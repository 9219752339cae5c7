// Package campaign fans a carousel campaign out to many recipients, falling
// back to a plain-text summary per recipient when the template cannot be sent.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"whatsapp-support-gateway/internal/whatsapp"
)

const (
	DefaultLanguage = "en_US"
	MaxCards        = 10
)

var (
	ErrNoCards      = errors.New("at least one card is required")
	ErrTooManyCards = fmt.Errorf("at most %d cards are allowed", MaxCards)
	ErrNoRecipients = errors.New("at least one recipient is required")
	errNoDigits     = errors.New("recipient has no digits")
)

type Outcome string

const (
	OutcomeSentTemplate     Outcome = "sent_template"
	OutcomeSentTextFallback Outcome = "sent_text_fallback"
	OutcomeFailed           Outcome = "failed"
)

// Card is one carousel slot. Button fields only reach recipients through the
// text fallback; the template payload does not carry them yet.
type Card struct {
	ImageURL   string `json:"headerUrl"`
	BodyText   string `json:"bodyText"`
	ButtonText string `json:"buttonText"`
	ButtonURL  string `json:"buttonUrl"`
}

type Request struct {
	Cards        []Card
	Recipients   []string
	TemplateName string
	LanguageCode string
}

func (r Request) Validate() error {
	switch {
	case len(r.Cards) == 0:
		return ErrNoCards
	case len(r.Cards) > MaxCards:
		return ErrTooManyCards
	case len(r.Recipients) == 0:
		return ErrNoRecipients
	}
	return nil
}

// Result is the outcome for one recipient, reported with the recipient as given.
type Result struct {
	Recipient string  `json:"number"`
	Outcome   Outcome `json:"status"`
	Error     string  `json:"error,omitempty"`
}

type TemplateSender interface {
	SendTemplate(ctx context.Context, to string, tmpl whatsapp.TemplateObj) error
}

type TextSender interface {
	SendText(ctx context.Context, address, body string) error
}

type Broadcaster struct {
	templates TemplateSender
	texts     TextSender
	logger    *slog.Logger
}

// New builds a Broadcaster. Rate limiting and per-call deadlines belong to the
// senders; in the server both are the shared dispatch.Dispatcher.
func New(templates TemplateSender, texts TextSender, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		templates: templates,
		texts:     texts,
		logger:    logger.With("component", "campaign"),
	}
}

// Broadcast sends the campaign to every recipient concurrently and returns one
// Result per recipient, in input order. No recipient's failure affects another.
func (b *Broadcaster) Broadcast(ctx context.Context, req Request) []Result {
	if req.LanguageCode == "" {
		req.LanguageCode = DefaultLanguage
	}

	var tmpl *whatsapp.TemplateObj
	if req.TemplateName != "" {
		t := BuildCarousel(req.TemplateName, req.LanguageCode, req.Cards)
		tmpl = &t
	}
	fallback := FallbackText(req.Cards)

	results := make([]Result, len(req.Recipients))
	var wg sync.WaitGroup
	for i, recipient := range req.Recipients {
		wg.Go(func() {
			results[i] = b.sendOne(ctx, recipient, tmpl, fallback)
		})
	}
	wg.Wait()

	var sent, fellBack, failed int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSentTemplate:
			sent++
		case OutcomeSentTextFallback:
			fellBack++
		default:
			failed++
		}
	}
	b.logger.Info("campaign finished",
		"recipients", len(results), "template", sent, "fallback", fellBack, "failed", failed)

	return results
}

func (b *Broadcaster) sendOne(ctx context.Context, recipient string, tmpl *whatsapp.TemplateObj, fallback string) (res Result) {
	res.Recipient = recipient
	log := b.logger.With("recipient", recipient)

	defer func() {
		if r := recover(); r != nil {
			log.Error("recipient send panicked", "panic", r)
			res.Outcome = OutcomeFailed
			res.Error = fmt.Sprint(r)
		}
	}()

	to := NormalizeNumber(recipient)
	if to == "" {
		res.Outcome = OutcomeFailed
		res.Error = errNoDigits.Error()
		return res
	}

	if tmpl != nil {
		err := b.templates.SendTemplate(ctx, to, *tmpl)
		if err == nil {
			res.Outcome = OutcomeSentTemplate
			return res
		}
		log.Warn("template send failed, falling back to text", "template", tmpl.Name, "error", err)
	}

	if err := b.texts.SendText(ctx, to, fallback); err != nil {
		log.Error("fallback send failed", "error", err)
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	res.Outcome = OutcomeSentTextFallback
	return res
}

// NormalizeNumber keeps only the digits of a phone number.
func NormalizeNumber(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// BuildCarousel maps each card to a carousel slot with an image header and a
// text body.
func BuildCarousel(name, language string, cards []Card) whatsapp.TemplateObj {
	slots := make([]whatsapp.CardObj, len(cards))
	for i, card := range cards {
		slots[i] = whatsapp.CardObj{
			CardIndex: i,
			Components: []whatsapp.ComponentObj{
				{
					Type: "header",
					Parameters: []whatsapp.ParameterObj{
						{Type: "image", Image: &whatsapp.MediaObj{Link: card.ImageURL}},
					},
				},
				{
					Type: "body",
					Parameters: []whatsapp.ParameterObj{
						{Type: "text", Text: card.BodyText},
					},
				},
			},
		}
	}

	return whatsapp.TemplateObj{
		Name:     name,
		Language: whatsapp.LanguageObj{Code: language},
		Components: []whatsapp.ComponentObj{
			{Type: "carousel", Cards: slots},
		},
	}
}

// FallbackText renders the cards as one text message.
func FallbackText(cards []Card) string {
	parts := make([]string, len(cards))
	for i, c := range cards {
		parts[i] = fmt.Sprintf("*Card %d*\n%s\nImage: %s\nButton: %s (%s)",
			i+1, c.BodyText, c.ImageURL, c.ButtonText, c.ButtonURL)
	}
	return strings.Join(parts, "\n\n")
}
