package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog/log"

	"shelly-monitor/internal/transport"
)

// LogChannel writes alerts to the application log.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(ctx context.Context, msg Message) error {
	log.Warn().Str("rule", msg.RuleID).Str("device", msg.DeviceKey).Float64("value", msg.Value).Msg(msg.Text)
	return nil
}

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram posts alerts through the Bot API sendMessage method.
type Telegram struct {
	client  *transport.Client
	apiBase string
	token   string
	chatID  string
}

func NewTelegram(client *transport.Client, apiBase, token, chatID string) *Telegram {
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	return &Telegram{
		client:  client,
		apiBase: strings.TrimSuffix(apiBase, "/"),
		token:   token,
		chatID:  chatID,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	resp, err := t.client.PostJSON(ctx, url, map[string]any{
		"chat_id":                  t.chatID,
		"text":                     msg.Text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		return fmt.Errorf("telegram: %v", resp["description"])
	}
	return nil
}

// SNS publishes alerts to an AWS SNS topic.
type SNS struct {
	svc      *sns.Client
	topicArn string
}

func NewSNS(ctx context.Context, region, topicArn string) (*SNS, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return &SNS{svc: sns.NewFromConfig(cfg), topicArn: topicArn}, nil
}

func (s *SNS) Name() string { return "sns" }

func (s *SNS) Send(ctx context.Context, msg Message) error {
	result, err := s.svc.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicArn),
		Subject:  aws.String(msg.Title),
		Message:  aws.String(msg.Text),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	log.Debug().Str("message_id", aws.ToString(result.MessageId)).Msg("sns alert published")
	return nil
}

// Publisher is satisfied by the MQTT publisher.
type Publisher interface {
	PublishAlert(msg Message) error
}

// MQTTChannel forwards alerts to the broker's alert topic.
type MQTTChannel struct {
	pub Publisher
}

func NewMQTTChannel(pub Publisher) *MQTTChannel {
	return &MQTTChannel{pub: pub}
}

func (m *MQTTChannel) Name() string { return "mqtt" }

func (m *MQTTChannel) Send(ctx context.Context, msg Message) error {
	return m.pub.PublishAlert(msg)
}
