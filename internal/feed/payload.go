package feed

import (
	"encoding/json"
	"strings"
	"time"

	"ghrelay/internal/event"
)

type rawEvent struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		Login        string `json:"login"`
		DisplayLogin string `json:"display_login"`
		AvatarURL    string `json:"avatar_url"`
	} `json:"actor"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type pushPayload struct {
	Ref     string            `json:"ref"`
	Size    *int              `json:"size"`
	Commits []json.RawMessage `json:"commits"`
}

type numbered struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
}

type prPayload struct {
	Action      string   `json:"action"`
	Number      int      `json:"number"`
	PullRequest numbered `json:"pull_request"`
}

type issuePayload struct {
	Action string   `json:"action"`
	Issue  numbered `json:"issue"`
}

type releasePayload struct {
	Release struct {
		TagName string `json:"tag_name"`
		Name    string `json:"name"`
	} `json:"release"`
}

type createPayload struct {
	RefType string `json:"ref_type"`
	Ref     string `json:"ref"`
}

type forkPayload struct {
	Forkee struct {
		FullName string `json:"full_name"`
	} `json:"forkee"`
}

type watchPayload struct {
	Action string `json:"action"`
}

// toRecord converts one feed item. A payload that does not decode still
// yields a record with an empty detail of the right kind.
func toRecord(r rawEvent) event.Record {
	actor := r.Actor.Login
	if actor == "" {
		actor = r.Actor.DisplayLogin
	}
	kind := event.ParseKind(r.Type)
	rec := event.Record{
		ID:          strings.TrimSpace(r.ID),
		Kind:        kind,
		Actor:       actor,
		Repo:        r.Repo.Name,
		CreatedAt:   r.CreatedAt.UTC(),
		ActorAvatar: r.Actor.AvatarURL,
	}
	rec.Detail = parseDetail(kind, r.Type, r.Payload)
	return rec
}

func parseDetail(kind event.Kind, rawType string, payload json.RawMessage) event.Detail {
	switch kind {
	case event.Push:
		var p pushPayload
		_ = json.Unmarshal(payload, &p)
		n := len(p.Commits)
		if p.Size != nil {
			n = *p.Size
		}
		return event.PushDetail{Ref: strings.TrimPrefix(p.Ref, "refs/heads/"), Commits: n}
	case event.PullRequest:
		var p prPayload
		_ = json.Unmarshal(payload, &p)
		n := p.Number
		if n == 0 {
			n = p.PullRequest.Number
		}
		return event.PullRequestDetail{Action: p.Action, Number: n, Title: p.PullRequest.Title}
	case event.Issue:
		var p issuePayload
		_ = json.Unmarshal(payload, &p)
		return event.IssueDetail{Action: p.Action, Number: p.Issue.Number, Title: p.Issue.Title}
	case event.Release:
		var p releasePayload
		_ = json.Unmarshal(payload, &p)
		return event.ReleaseDetail{Tag: p.Release.TagName, Name: p.Release.Name}
	case event.Create:
		var p createPayload
		_ = json.Unmarshal(payload, &p)
		return event.CreateDetail{RefType: p.RefType, Ref: p.Ref}
	case event.Fork:
		var p forkPayload
		_ = json.Unmarshal(payload, &p)
		return event.ForkDetail{Forkee: p.Forkee.FullName}
	case event.Watch:
		var p watchPayload
		_ = json.Unmarshal(payload, &p)
		return event.WatchDetail{Action: p.Action}
	}
	return event.UnknownDetail{Type: rawType}
}
