// Package database provides the PostgreSQL connection pool used by the
// optional unified-context archiver. The realtime core itself keeps no
// persisted state; this pool only exists when archiving is enabled.
package database
