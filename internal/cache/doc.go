// Package cache implements the single-flight, disk-backed asset cache. A
// DiskStore owns the storage directories and the temp-file + rename write
// path, a PendingFetchRegistry coalesces concurrent requests for the same key,
// and RemoteFetcher streams origin bodies to disk. AssetCache ties them
// together and is the only entry point the HTTP layer uses. Cached files are
// immutable once written; there is no expiry or eviction.
package cache
