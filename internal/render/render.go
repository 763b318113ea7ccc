// Package render turns an event.Record into a channel-specific chat message.
//
// Rendering is pure: it reads only the record and the renderer's location, so
// the same input always yields the same payload.
package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ghrelay/internal/channel"
	"ghrelay/internal/event"
)

const (
	heading          = "### ✨ GitHub activity"
	cardTitle        = "✨ GitHub activity"
	noDescription    = "no description"
	identiconAvatar  = "https://github.com/identicons/app.png"
	githubWeb        = "https://github.com/"
	timeLayout       = "2006-01-02 15:04"
	avatarSizeSuffix = "?size=20"
)

// Message is a rendered notification ready for signing.
//
// Payload is the JSON body for the channel's webhook API. Text is the
// channel-shaped markdown that Payload embeds.
type Message struct {
	EventID string
	Channel channel.Type
	Title   string
	Text    string
	Payload map[string]any
}

// Renderer formats timestamps in a fixed location.
type Renderer struct {
	loc *time.Location
}

// New returns a Renderer; a nil location means UTC.
func New(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{loc: loc}
}

var defaultRenderer = New(time.UTC)

// Render formats rec for ch using UTC timestamps.
func Render(rec event.Record, ch channel.Type) Message {
	return defaultRenderer.Render(rec, ch)
}

// Render formats rec for ch. Unknown kinds use the generic template.
func (r *Renderer) Render(rec event.Record, ch channel.Type) Message {
	lines := r.lines(rec)
	msg := Message{EventID: rec.ID, Channel: ch, Title: cardTitle}
	switch ch {
	case channel.Feishu:
		msg.Text = shapeFeishu(lines)
		msg.Payload = map[string]any{
			"msg_type": "interactive",
			"card": map[string]any{
				"header": map[string]any{
					"title":    map[string]any{"tag": "plain_text", "content": cardTitle},
					"template": "blue",
				},
				"elements": []any{
					map[string]any{
						"tag":  "div",
						"text": map[string]any{"tag": "lark_md", "content": msg.Text},
					},
				},
			},
		}
	default:
		msg.Text = doubleNewlines(strings.Join(lines, "\n"))
		msg.Payload = map[string]any{
			"msgtype": "markdown",
			"markdown": map[string]any{
				"title": cardTitle,
				"text":  msg.Text,
			},
		}
	}
	return msg
}

type template struct {
	icon string
	verb string
}

var templates = map[event.Kind]template{
	event.Watch:       {"⭐", "Starred"},
	event.Fork:        {"🍴", "Forked"},
	event.Push:        {"⬆️", "Pushed to"},
	event.PullRequest: {"🔀", "Pull request on"},
	event.Issue:       {"❗", "Issue on"},
	event.Create:      {"🆕", "Created in"},
	event.Release:     {"🚀", "Released"},
}

func (r *Renderer) lines(rec event.Record) []string {
	avatar := rec.ActorAvatar
	if avatar == "" {
		avatar = identiconAvatar
	}
	actor := rec.Actor
	if actor == "" {
		actor = "someone"
	}

	out := []string{
		heading,
		fmt.Sprintf("![avatar](%s%s) **[%s](%s%s)**", avatar, avatarSizeSuffix, actor, githubWeb, rec.Actor),
		"**⌚ Time**: " + r.formatTime(rec.CreatedAt),
		"**🔧 Action**: " + action(rec),
		fmt.Sprintf("**📦 Repo**: [%s](%s%s)", rec.Repo, githubWeb, rec.Repo),
	}
	out = append(out, detailLines(rec.Detail)...)

	desc := strings.TrimSpace(rec.RepoInfo.Description)
	if desc == "" {
		desc = noDescription
	}
	lang := rec.RepoInfo.Language
	if lang == "" {
		lang = "-"
	}
	out = append(out,
		"**📝 Description**: "+desc,
		"**🌐 Language**: "+lang+" | **⭐ Stars**: "+strconv.Itoa(rec.RepoInfo.Stars),
		"---",
	)
	return out
}

func (r *Renderer) formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(r.loc).Format(timeLayout)
}

func action(rec event.Record) string {
	if tpl, ok := templates[rec.Kind]; ok {
		return tpl.icon + " " + tpl.verb
	}
	name := "activity"
	if d, ok := rec.Detail.(event.UnknownDetail); ok && d.Type != "" {
		name = d.Type
	}
	return "📌 " + name
}

func detailLines(d event.Detail) []string {
	switch d := d.(type) {
	case event.PushDetail:
		return []string{fmt.Sprintf("**🌿 Branch**: %s (%s)", branchName(d.Ref), plural(d.Commits, "commit"))}
	case event.PullRequestDetail:
		return []string{numbered("🔀 PR", d.Number, d.Action, d.Title)}
	case event.IssueDetail:
		return []string{numbered("❗ Issue", d.Number, d.Action, d.Title)}
	case event.ReleaseDetail:
		return []string{strings.TrimSpace("**🏷 Version**: " + d.Tag + " " + d.Name)}
	case event.CreateDetail:
		if d.Ref == "" {
			return []string{"**🆕 Created**: " + nonEmpty(d.RefType, "repository")}
		}
		return []string{"**🆕 Created**: " + nonEmpty(d.RefType, "ref") + " " + d.Ref}
	case event.ForkDetail:
		if d.Forkee == "" {
			return nil
		}
		return []string{fmt.Sprintf("**🍴 Fork**: [%s](%s%s)", d.Forkee, githubWeb, d.Forkee)}
	case event.UnknownDetail:
		if d.Type == "" {
			return nil
		}
		return []string{"**❔ Event**: " + d.Type}
	default:
		return nil
	}
}

func numbered(label string, n int, act, title string) string {
	s := fmt.Sprintf("**%s**: #%d", label, n)
	if act != "" {
		s += " " + act
	}
	if title != "" {
		s += " " + title
	}
	return s
}

func branchName(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	return nonEmpty(strings.TrimPrefix(ref, "refs/tags/"), "-")
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

var imageSyntax = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)

// shapeFeishu drops the heading (the card header carries it) and image markup,
// which lark_md does not render.
func shapeFeishu(lines []string) string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l == heading {
			continue
		}
		out = append(out, strings.TrimSpace(imageSyntax.ReplaceAllString(l, "")))
	}
	return doubleNewlines(strings.Join(out, "\n"))
}

func doubleNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\n\n")
}
