// Package channel names the chat platforms ghrelay can post to and the
// per-bot endpoint configuration shared by the renderer, signer and dispatcher.
package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// Type is a supported chat platform.
type Type string

const (
	DingTalk Type = "dingtalk"
	Feishu   Type = "feishu"
)

// All lists the supported channel types in a stable order.
func All() []Type { return []Type{DingTalk, Feishu} }

// Parse accepts the config spelling of a channel type (case-insensitive, "lark" aliases feishu).
func Parse(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dingtalk", "dingding":
		return DingTalk, nil
	case "feishu", "lark":
		return Feishu, nil
	default:
		return "", fmt.Errorf("unknown channel type %q", raw)
	}
}

// Endpoint is one configured bot. It is built once from config and never mutated.
type Endpoint struct {
	Channel    Type
	Name       string
	WebhookURL string
	// Secret enables request signing when non-empty.
	Secret string
}

// Label is used in logs and metrics: "<channel>/<name>".
func (e Endpoint) Label() string {
	return string(e.Channel) + "/" + e.Name
}

// dingTalkSecretPrefix marks DingTalk "加签" secrets.
const dingTalkSecretPrefix = "SEC"

// CheckEndpoint reports why an endpoint cannot be used, or nil.
// It covers the webhook URL and the secret format expected by the channel.
func CheckEndpoint(e Endpoint) error {
	switch e.Channel {
	case DingTalk, Feishu:
	default:
		return fmt.Errorf("unknown channel type %q", e.Channel)
	}
	u, err := url.Parse(strings.TrimSpace(e.WebhookURL))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhook: scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("webhook: host is required")
	}
	return CheckSecret(e.Channel, e.Secret)
}

// CheckSecret validates a signing secret. An empty secret disables signing and is valid.
func CheckSecret(ch Type, secret string) error {
	if secret == "" {
		return nil
	}
	for _, r := range secret {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("secret: contains whitespace or control characters")
		}
	}
	if ch == DingTalk && !strings.HasPrefix(secret, dingTalkSecretPrefix) {
		return errors.New(`secret: dingtalk secrets start with "SEC"`)
	}
	return nil
}
