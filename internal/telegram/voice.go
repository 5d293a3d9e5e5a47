package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// VoiceAPI is the slice of the bot client the sender uses.
type VoiceAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// VoiceSender uploads voice notes with duplicate suppression. Every send
// runs inside a delivery context so the diagnostic tap can correlate the
// underlying API call.
type VoiceSender struct {
	bot       VoiceAPI
	accountID string
	deduper   *Deduper // nil = dedupe disabled
	logger    *slog.Logger
}

// NewVoiceSender builds a sender. Pass a nil deduper to disable dedup
// (the OPENCLAW_TELEGRAM_DEDUP_VOICE gate lives at wiring time).
func NewVoiceSender(bot VoiceAPI, accountID string, deduper *Deduper, logger *slog.Logger) *VoiceSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceSender{bot: bot, accountID: accountID, deduper: deduper, logger: logger}
}

// SendVoice uploads a voice payload to a chat. A payload identical to one
// sent to the same chat within the dedupe window is silently suppressed.
// Returns true when a message was actually sent.
func (v *VoiceSender) SendVoice(ctx context.Context, chatID int64, name string, payload []byte) (bool, error) {
	chat := strconv.FormatInt(chatID, 10)
	if v.deduper != nil {
		fp := Fingerprint(payload)
		if v.deduper.ShouldDedupe(v.accountID, chat, fp, time.Now()) {
			v.logger.Debug("duplicate voice send suppressed",
				"chat_id", chat,
				"fingerprint", fp[:12],
			)
			return false, nil
		}
	}

	ctx = WithPartial(ctx, DeliveryContext{
		AccountID: v.accountID,
		ChatID:    chat,
		Operation: "sendVoice",
	})
	dc := Current(ctx)

	msg := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: name, Bytes: payload})
	if _, err := v.bot.Send(msg); err != nil {
		return false, fmt.Errorf("send voice to %s: %w", chat, err)
	}
	v.logger.Info("voice sent", "chat_id", chat, "delivery_id", dc.DeliveryID, "bytes", len(payload))
	return true, nil
}
