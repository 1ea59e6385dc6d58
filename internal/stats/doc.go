// Package stats polls the EVE ESI statistics endpoints and keeps the
// server_status, npc_kills and npc_lifetime JSON snapshots under the storage
// root up to date.
package stats
