// Package crawler defines the domain model shared by the harvest pipeline:
// scrape targets and their field mappings, fetch tasks, raw pages, normalized
// records, the error taxonomy, and the retry policy used by fetchers.
package crawler
