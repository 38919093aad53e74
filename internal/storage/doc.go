// Package storage persists the two durable documents the posting bot relies on:
//
//   - the counter document: {"current_month": "YYYY-MM", "tweet_count": N}
//   - the history document: {"tweets": [{"content": "...", "timestamp": "<ISO-8601>"}]}
//
// Drivers:
//   - "file":   two JSON files in a directory, replaced atomically (tmp + fsync + rename)
//   - "sqlite": a single SQLite database, each save is one transaction
//   - "redis":  two keys holding the JSON documents, each save is one SET
//
// Loads report ErrNotFound for a missing document and ErrCorrupt for one that
// cannot be decoded; callers decide how to recover.
package storage
