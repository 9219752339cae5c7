package models

// WebhookPayload represents the incoming JSON payload from WhatsApp
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Value Value  `json:"value"`
	Field string `json:"field"`
}

type Value struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []Contact `json:"contacts,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Statuses []Status  `json:"statuses,omitempty"`
}

type Contact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// Status is a delivery receipt for a message we sent.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientId string `json:"recipient_id"`
}

// TextMessage is an inbound text flattened out of a payload.
type TextMessage struct {
	ID          string
	From        string
	ContactName string
	Body        string
}

// TextMessages returns every inbound message with a non-empty text body, in
// payload order. The display name comes from the contact with the same wa_id,
// falling back to the first contact of the change.
func (p *WebhookPayload) TextMessages() []TextMessage {
	var out []TextMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, m := range v.Messages {
				if m.Text == nil || m.Text.Body == "" {
					continue
				}
				out = append(out, TextMessage{
					ID:          m.ID,
					From:        m.From,
					ContactName: v.contactName(m.From),
					Body:        m.Text.Body,
				})
			}
		}
	}
	return out
}

// StatusUpdates returns the delivery receipts carried by the payload.
func (p *WebhookPayload) StatusUpdates() []Status {
	var out []Status
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			out = append(out, change.Value.Statuses...)
		}
	}
	return out
}

func (v *Value) contactName(waID string) string {
	for _, c := range v.Contacts {
		if c.WaID == waID && c.Profile.Name != "" {
			return c.Profile.Name
		}
	}
	if len(v.Contacts) > 0 {
		return v.Contacts[0].Profile.Name
	}
	return ""
}
