package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

// Telegram rejects messages beyond 4096 characters; chunk a bit below
// that so closing tags never straddle the boundary.
const maxMessageLen = 4000

// Send delivers one compiled notification. The tenant id is the chat id.
func (b *Bot) Send(ctx context.Context, tenantID string, msg track.Message) error {
	chatID, err := strconv.ParseInt(tenantID, 10, 64)
	if err != nil {
		return fmt.Errorf("tenant %q is not a chat id: %w", tenantID, err)
	}

	for _, chunk := range splitMessage(msg.Text, maxMessageLen) {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := b.bot.Send(&tele.Chat{ID: chatID}, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		if err != nil {
			// Malformed HTML from scraped content: deliver the text
			// rather than dropping the notification.
			if strings.Contains(err.Error(), "can't parse entities") {
				if err := b.limiter.Wait(ctx); err != nil {
					return err
				}
				_, err = b.bot.Send(&tele.Chat{ID: chatID}, chunk, &tele.SendOptions{
					DisableWebPagePreview: true,
				})
			}
			if err != nil {
				return fmt.Errorf("send to %s: %w", tenantID, err)
			}
		}
	}
	b.log.Debug("notification delivered",
		logx.String("tenant", tenantID),
		logx.String("resource", msg.Resource),
		logx.Int("events", msg.Events))
	return nil
}

// splitMessage breaks text into chunks of at most limit runes, on line
// boundaries where possible.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	return chunks
}
