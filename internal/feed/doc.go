// Package feed reads a user's GitHub received_events feed and turns it into
// event.Records, enriched with repository metadata and actor avatars.
//
// Enrichment lookups are cached for a TTL and never fail a fetch: a failed
// lookup leaves the zero value, which the renderer shows as a placeholder.
package feed
