package feed

import (
	"encoding/json"
	"testing"

	"ghrelay/internal/event"
	logx "ghrelay/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

func TestParseDetail(t *testing.T) {
	cases := []struct {
		typ     string
		payload string
		want    event.Detail
	}{
		{"WatchEvent", `{"action":"started"}`, event.WatchDetail{Action: "started"}},
		{"ForkEvent", `{"forkee":{"full_name":"me/tool"}}`, event.ForkDetail{Forkee: "me/tool"}},
		{"PushEvent", `{"ref":"refs/heads/dev","commits":[{},{}]}`, event.PushDetail{Ref: "dev", Commits: 2}},
		{"PushEvent", `{"ref":"refs/tags/v1","size":0}`, event.PushDetail{Ref: "refs/tags/v1", Commits: 0}},
		{"PullRequestEvent", `{"action":"opened","number":7,"pull_request":{"title":"Fix it"}}`,
			event.PullRequestDetail{Action: "opened", Number: 7, Title: "Fix it"}},
		{"PullRequestEvent", `{"action":"closed","pull_request":{"number":8,"title":"Other"}}`,
			event.PullRequestDetail{Action: "closed", Number: 8, Title: "Other"}},
		{"IssuesEvent", `{"action":"opened","issue":{"number":3,"title":"Bug"}}`,
			event.IssueDetail{Action: "opened", Number: 3, Title: "Bug"}},
		{"CreateEvent", `{"ref_type":"branch","ref":"feature"}`, event.CreateDetail{RefType: "branch", Ref: "feature"}},
		{"ReleaseEvent", `{"release":{"tag_name":"v2","name":""}}`, event.ReleaseDetail{Tag: "v2"}},
		{"MemberEvent", `{}`, event.UnknownDetail{Type: "MemberEvent"}},
		{"IssuesEvent", `not json`, event.IssueDetail{}},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			got := parseDetail(event.ParseKind(tc.typ), tc.typ, json.RawMessage(tc.payload))
			if got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestToRecordFallsBackToDisplayLogin(t *testing.T) {
	var r rawEvent
	if err := json.Unmarshal([]byte(`{"id":" 9 ","type":"WatchEvent","actor":{"display_login":"dl"},"repo":{"name":"a/b"},"payload":{"action":"started"},"created_at":"2024-01-01T00:00:00Z"}`), &r); err != nil {
		t.Fatal(err)
	}
	rec := toRecord(r)
	if rec.ID != "9" || rec.Actor != "dl" || rec.Kind != event.Watch || rec.Repo != "a/b" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
