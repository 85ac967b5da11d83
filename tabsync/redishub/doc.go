// Package redishub implements tabsync.Hub on Redis Pub/Sub so tabs running in
// different processes or hosts can share a session's broadcast group.
//
// Design Notes
//   - Topics map to channels named KeyPrefix + topic
//   - Subscribe confirms the SUBSCRIBE reply before returning, so anything
//     published afterwards is delivered
//   - Each subscription owns one Pub/Sub connection and one delivery goroutine
//   - Pub/Sub is fire-and-forget: a subscriber that is disconnected when a
//     message is published never sees it, which matches tab semantics
//
// Example:
//
//	hub, err := redishub.NewFromEnv()
//	if err != nil { return err }
//	defer hub.Close()
//	sync := tabsync.New(hub)
package redishub
