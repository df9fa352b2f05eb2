// Package scraper holds the domain model of the review harvester: jobs, reviews,
// statistics, the error taxonomy used for retry classification, and the
// collaborator interfaces the orchestration pipeline is assembled from.
//
// Two cursor kinds appear in this package. Source cursors are produced by a
// PageParser and name the next page to fetch from the marketplace; they are
// private to the pipeline. Listing cursors (Cursor) are opaque tokens handed
// to API callers and encode the last-seen (ingestion sequence, review id).
package scraper
