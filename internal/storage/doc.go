// Package storage is the SQLite persistence layer shared by every replica:
//   - Settings blobs under named keys (bot config, backup status,
//     notification preferences, bot status)
//   - The leader lease backing the cluster-wide advisory lock
//   - The append-only audit table
//   - Read access to servers/users plus the single expiry mutation
package storage
