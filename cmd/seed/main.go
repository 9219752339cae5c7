package main

import (
	"context"
	"log"
	"os"

	"whatsapp-support-gateway/internal/config"
	"whatsapp-support-gateway/internal/database"
	"whatsapp-support-gateway/internal/logging"
	"whatsapp-support-gateway/internal/models"
	"whatsapp-support-gateway/internal/store"
)

type seedMessage struct {
	content string
	sender  models.Sender
}

type seedConversation struct {
	phone    string
	name     string
	messages []seedMessage
}

var demo = []seedConversation{
	{
		phone: "1234567890",
		name:  "Alice Wonderland",
		messages: []seedMessage{
			{"Hello, I need help with my order.", models.SenderUser},
			{"Hi Alice! I can help with that. What is your order number?", models.SenderBot},
			{"It is #12345.", models.SenderUser},
		},
	},
	{
		phone: "0987654321",
		name:  "Bob Builder",
		messages: []seedMessage{
			{"Can you build a chatbot?", models.SenderUser},
		},
	},
}

// Seeds demo conversations. Contacts that already have messages are skipped,
// so running it twice is harmless.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close(db)

	ctx := context.Background()
	st := store.New(db)

	for _, sc := range demo {
		conv, err := st.FindOrCreateByAddress(ctx, sc.phone, sc.name)
		if err != nil {
			log.Fatalf("Error creating conversation for %s: %v", sc.phone, err)
		}

		existing, err := st.ListMessages(ctx, conv.ID)
		if err != nil {
			log.Fatalf("Error reading conversation %s: %v", conv.ID, err)
		}
		if len(existing) > 0 {
			logger.Info("conversation already seeded", "phone", sc.phone)
			continue
		}

		for _, m := range sc.messages {
			if _, err := st.AppendMessage(ctx, conv.ID, m.content, m.sender); err != nil {
				log.Fatalf("Error seeding message: %v", err)
			}
		}
		logger.Info("conversation seeded", "phone", sc.phone, "conversation_id", conv.ID, "messages", len(sc.messages))
	}

	log.Println("Seeding completed!")
}
