// Package sign applies the per-channel webhook signing schemes.
//
// Both schemes are bound to a timestamp that the server checks for freshness
// (about an hour), so a message is signed again for every delivery attempt.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"time"

	"ghrelay/internal/channel"
	"ghrelay/internal/config"
	"ghrelay/internal/render"
)

// Signed is a message ready to POST.
type Signed struct {
	Body []byte
	// Query holds the parameters to merge into the webhook URL; nil when none.
	Query url.Values
	// Timestamp is the value bound into the signature, 0 when unsigned.
	Timestamp int64
}

// Sign encodes msg and, when secret is non-empty, signs it for ch at the given time.
func Sign(msg render.Message, secret string, ch channel.Type, at time.Time) (Signed, error) {
	if err := channel.CheckSecret(ch, secret); err != nil {
		return Signed{}, &config.Error{Field: string(ch) + ".secret", Err: err}
	}
	if secret == "" {
		body, err := json.Marshal(msg.Payload)
		if err != nil {
			return Signed{}, fmt.Errorf("sign: encode payload: %w", err)
		}
		return Signed{Body: body}, nil
	}

	switch ch {
	case channel.DingTalk:
		ts := at.UnixMilli()
		body, err := json.Marshal(msg.Payload)
		if err != nil {
			return Signed{}, fmt.Errorf("sign: encode payload: %w", err)
		}
		q := url.Values{}
		q.Set("timestamp", strconv.FormatInt(ts, 10))
		// url.Values encoding performs the urlencode step of the scheme.
		q.Set("sign", DingTalkSignature(secret, ts))
		return Signed{Body: body, Query: q, Timestamp: ts}, nil

	case channel.Feishu:
		ts := at.Unix()
		payload := maps.Clone(msg.Payload)
		if payload == nil {
			payload = map[string]any{}
		}
		payload["timestamp"] = strconv.FormatInt(ts, 10)
		payload["sign"] = FeishuSignature(secret, ts)
		body, err := json.Marshal(payload)
		if err != nil {
			return Signed{}, fmt.Errorf("sign: encode payload: %w", err)
		}
		return Signed{Body: body, Timestamp: ts}, nil

	default:
		return Signed{}, config.Errorf("channel", "unknown channel type %q", ch)
	}
}

// DingTalkSignature returns base64(HMAC-SHA256(secret, "<ms>\n<secret>")), not yet URL-encoded.
func DingTalkSignature(secret string, tsMillis int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(tsMillis, 10) + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// FeishuSignature returns base64(HMAC-SHA256(key="<sec>\n<secret>", msg="")).
func FeishuSignature(secret string, tsSeconds int64) string {
	mac := hmac.New(sha256.New, []byte(strconv.FormatInt(tsSeconds, 10)+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// URL merges s.Query into the webhook URL.
func (s Signed) URL(webhook string) (string, error) {
	u, err := url.Parse(webhook)
	if err != nil {
		return "", config.Errorf("webhook", "%v", err)
	}
	if len(s.Query) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, v := range s.Query {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
