// Package pagination fetches pages of an identifier-ordered source and drives
// rounds of concurrent page fetches into a sink.
//
// Two cursor kinds address the source:
//
//   - OffsetCursor: a row offset into the result set filtered to
//     identifiers above a floor. The primary pass uses offsets because
//     disjoint offset windows can be fetched in parallel.
//   - RangeCursor: an inclusive identifier range. Gap repair uses ranges
//     because identifier bounds do not shift when rows are deleted or
//     inserted upstream.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(sourceClient, "id", logger)
//	scheduler := pagination.NewScheduler(fetcher, writer, pagination.Config{
//		PageSize:    2000,
//		Concurrency: 5,
//	}, logger)
//	stats, err := scheduler.Run(ctx)
//
// The scheduler:
//   - Dispatches Concurrency slots per round at offsets base + i*PageSize
//   - Writes pages to the sink in slot order as soon as a prefix completes
//   - Flushes the sink at every round boundary
//   - Stops when no slot returned a full page or any page came back empty
//   - Treats any slot failure as fatal to the pass
package pagination
