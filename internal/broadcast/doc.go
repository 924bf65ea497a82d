// Package broadcast fans committed change events out to the members of their target groups.
//
// Delivery never blocks the caller: each recipient's bounded queue either accepts
// the message or drops it. Member snapshots are taken per group, so a broadcast
// only ever holds one registry shard lock at a time.
package broadcast
