package notification

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	apperrors "pollenisator/pkg/errors"
)

type Message struct {
	Title       string
	Description string
	Severity    string
	Fields      map[string]string
	Timestamp   time.Time
}

// Sender delivers one alert.
type Sender interface {
	Send(msg Message) error
	Close() error
}

type NotificationClient struct {
	sg        *discordgo.Session
	channelID string
}

// NewNotificationClient opens a bot session posting to channelID.
func NewNotificationClient(token, channelID string) (*NotificationClient, error) {
	if token == "" || channelID == "" {
		return nil, apperrors.ErrDiscordNotConfigured
	}

	sg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	if err := sg.Open(); err != nil {
		return nil, err
	}

	return &NotificationClient{sg: sg, channelID: channelID}, nil
}

// SeverityColor maps a defect risk or a pwned alert to an embed color.
func SeverityColor(severity string) int {
	switch severity {
	case "Critical", "pwned":
		return 0x8B0000
	case "Major":
		return 0xFF0000
	case "Important":
		return 0xFF8C00
	case "Minor":
		return 0xFFD700
	case "info":
		return 0x00BFFF
	default:
		return 0x808080
	}
}

// Embed renders msg the way it is posted.
func Embed(msg Message) *discordgo.MessageEmbed {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	embed := &discordgo.MessageEmbed{
		Title:       msg.Title,
		Description: msg.Description,
		Color:       SeverityColor(msg.Severity),
		Timestamp:   msg.Timestamp.Format(time.RFC3339),
	}

	if len(msg.Fields) > 0 {
		fields := make([]*discordgo.MessageEmbedField, 0, len(msg.Fields))
		for key, value := range msg.Fields {
			fields = append(fields, &discordgo.MessageEmbedField{
				Name:   key,
				Value:  value,
				Inline: true,
			})
		}
		embed.Fields = fields
	}
	return embed
}

func (c *NotificationClient) Send(msg Message) error {
	if c.sg == nil {
		return fmt.Errorf("discord client not initialized")
	}
	_, err := c.sg.ChannelMessageSendEmbed(c.channelID, Embed(msg))
	return err
}

func (c *NotificationClient) Close() error {
	if c.sg != nil {
		return c.sg.Close()
	}
	return nil
}
