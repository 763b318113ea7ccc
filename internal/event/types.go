// Package event defines the activity records relayed by ghrelay.
//
// A Record is built once by the feed client, handed to the notifier for a
// single poll cycle and then dropped. Identity is the platform-assigned ID;
// every other field only feeds rendering.
package event

import (
	"slices"
	"strings"
	"time"
)

// Kind is the closed set of activity categories ghrelay knows how to render.
type Kind int

const (
	Unknown Kind = iota
	Watch
	Fork
	Push
	PullRequest
	Issue
	Create
	Release
)

var kindNames = [...]string{
	Unknown:     "Unknown",
	Watch:       "Watch",
	Fork:        "Fork",
	Push:        "Push",
	PullRequest: "PullRequest",
	Issue:       "Issue",
	Create:      "Create",
	Release:     "Release",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[Unknown]
	}
	return kindNames[k]
}

// ParseKind maps a feed type string ("WatchEvent", "IssuesEvent", ...) to a Kind.
// Anything unrecognised is Unknown.
func ParseKind(raw string) Kind {
	switch strings.TrimSpace(raw) {
	case "WatchEvent":
		return Watch
	case "ForkEvent":
		return Fork
	case "PushEvent":
		return Push
	case "PullRequestEvent":
		return PullRequest
	case "IssuesEvent":
		return Issue
	case "CreateEvent":
		return Create
	case "ReleaseEvent":
		return Release
	default:
		return Unknown
	}
}

// RepoInfo is optional repository metadata attached by the feed client.
type RepoInfo struct {
	Description string
	Language    string
	Stars       int
}

// Record is one observed activity event.
type Record struct {
	ID        string
	Kind      Kind
	Actor     string
	Repo      string
	CreatedAt time.Time
	Detail    Detail

	// Enrichment; zero values render as placeholders.
	ActorAvatar string
	RepoInfo    RepoInfo
}

// Detail is the kind-specific payload of a Record.
//
// The interface is sealed: only the types in this package implement it, so a
// type switch over Detail plus a default arm is exhaustive.
type Detail interface {
	kind() Kind
}

type WatchDetail struct {
	Action string // "started"
}

type ForkDetail struct {
	Forkee string // full name of the new fork
}

type PushDetail struct {
	Ref     string
	Commits int
}

type PullRequestDetail struct {
	Action string
	Number int
	Title  string
}

type IssueDetail struct {
	Action string
	Number int
	Title  string
}

type CreateDetail struct {
	RefType string // repository | branch | tag
	Ref     string
}

type ReleaseDetail struct {
	Tag  string
	Name string
}

// UnknownDetail keeps the raw type name of an event ghrelay has no template for.
type UnknownDetail struct {
	Type string
}

func (WatchDetail) kind() Kind       { return Watch }
func (ForkDetail) kind() Kind        { return Fork }
func (PushDetail) kind() Kind        { return Push }
func (PullRequestDetail) kind() Kind { return PullRequest }
func (IssueDetail) kind() Kind       { return Issue }
func (CreateDetail) kind() Kind      { return Create }
func (ReleaseDetail) kind() Kind     { return Release }
func (UnknownDetail) kind() Kind     { return Unknown }

// SortOldestFirst orders records chronologically; ties keep their input order.
func SortOldestFirst(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
}
