// Package cache defines the versioned store that backs every scope's offline
// cache. A Store is split into generations (one per CacheVersion); each
// generation maps a normalized request identity to a response snapshot and
// supports bulk enumeration and deletion. Two backends exist: a disk layout of
// StoragePath/<scope>/<version>/<key>.{body,meta} written via temp file +
// rename, and a single SQLite database for hosts that prefer one file.
// Strategy and lifecycle code depend only on the Store/Generation interfaces.
package cache
