// Package chat ingests a live room's chat feed for one recording session.
//
// Raw feed messages are decoded into tagged Events at the ingestion boundary,
// deduplicated on their upstream id, numbered with a per-session sequence,
// filtered by kind, and then fanned out in order:
//   - appended to a JSONL log next to the recording (one event per line,
//     written through immediately so a crash loses at most the line in flight);
//   - kept in memory for subtitle composition when the session ends;
//   - mirrored to an optional Mirror (Postgres) and published to a callback
//     (terminal display, lifecycle events).
//
// When the feed drops, the Ingestor redials with exponential backoff for a
// bounded number of attempts and then reports ErrDisconnected through Err.
// It never ends the recording itself; the session decides what a lost chat
// feed means.
package chat
