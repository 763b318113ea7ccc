package channel

import "testing"

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Type
		ok   bool
	}{
		{"dingtalk", DingTalk, true},
		{" DingTalk ", DingTalk, true},
		{"feishu", Feishu, true},
		{"lark", Feishu, true},
		{"slack", "", false},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if tt.ok && err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.raw, err)
		}
		if !tt.ok && err == nil {
			t.Fatalf("Parse(%q) expected error", tt.raw)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestEndpointLabel(t *testing.T) {
	t.Parallel()
	e := Endpoint{Channel: Feishu, Name: "ops"}
	if e.Label() != "feishu/ops" {
		t.Fatalf("Label = %q", e.Label())
	}
}

func TestCheckEndpoint(t *testing.T) {
	t.Parallel()
	const hook = "https://oapi.dingtalk.com/robot/send?access_token=abc"
	tests := []struct {
		name string
		ep   Endpoint
		ok   bool
	}{
		{"unsigned dingtalk", Endpoint{Channel: DingTalk, WebhookURL: hook}, true},
		{"signed dingtalk", Endpoint{Channel: DingTalk, WebhookURL: hook, Secret: "SECabc123"}, true},
		{"dingtalk secret without prefix", Endpoint{Channel: DingTalk, WebhookURL: hook, Secret: "abc123"}, false},
		{"feishu any secret", Endpoint{Channel: Feishu, WebhookURL: "https://open.feishu.cn/open-apis/bot/v2/hook/x", Secret: "abc"}, true},
		{"secret with space", Endpoint{Channel: Feishu, WebhookURL: "https://open.feishu.cn/x", Secret: "ab c"}, false},
		{"secret with newline", Endpoint{Channel: DingTalk, WebhookURL: hook, Secret: "SECab\n"}, false},
		{"relative url", Endpoint{Channel: DingTalk, WebhookURL: "/robot/send"}, false},
		{"ftp url", Endpoint{Channel: DingTalk, WebhookURL: "ftp://example.com/x"}, false},
		{"unparsable url", Endpoint{Channel: DingTalk, WebhookURL: "http://[::1"}, false},
		{"unknown channel", Endpoint{Channel: "slack", WebhookURL: hook}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckEndpoint(tt.ep)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
