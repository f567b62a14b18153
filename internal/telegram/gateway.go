package telegram

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plant-treatment-planner/internal/config"
	"plant-treatment-planner/internal/wizard"
)

// Sender is the subset of the Telegram API the bot uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// NewAPI authorizes the bot and points its webhook at cfg.TelegramWebhookURL.
func NewAPI(cfg *config.Config) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram api: %w", err)
	}
	slog.Info("authorized telegram bot", "account", api.Self.UserName)

	if cfg.TelegramWebhookURL != "" {
		wh, err := tgbotapi.NewWebhook(cfg.TelegramWebhookURL)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook url %s: %w", cfg.TelegramWebhookURL, err)
		}
		resp, err := api.Request(wh)
		if err != nil {
			return nil, fmt.Errorf("failed to set webhook to %s: %w", cfg.TelegramWebhookURL, err)
		}
		slog.Info("webhook set", "description", resp.Description)
	}
	return api, nil
}

// Gateway delivers wizard prompts as Telegram messages.
type Gateway struct {
	api Sender
}

// NewGateway creates a Gateway.
func NewGateway(api Sender) *Gateway {
	return &Gateway{api: api}
}

// SendPrompt renders p and sends it to the chat behind id.
func (g *Gateway) SendPrompt(ctx context.Context, id wizard.Identity, p wizard.Prompt) error {
	chatID, err := ChatID(id.Handle)
	if err != nil {
		return err
	}
	text, markup := RenderPrompt(p)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if markup != nil {
		msg.ReplyMarkup = *markup
	}
	if _, err := g.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send %s prompt: %w", p.Kind, err)
	}
	return nil
}
