// Package worker implements the two goroutine pools of a harvest run. The
// crawl pool walks each target's listing pages sequentially and pushes raw
// pages onto the bounded queue; the store pool drains the queue, parses the
// pages, and writes records through the dedup writer.
package worker
