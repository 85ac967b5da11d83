// Package tabsync keeps the tabs sharing one session id consistent. Each tab
// joins a per-session topic on a Hub and broadcasts lifecycle signals (extend,
// end, warning acknowledged) to every other tab that joined the same id.
//
// # Hubs
//
// The Hub interface is a minimal fan-out pub/sub transport:
//
//	memoryhub : process local, synchronous delivery (tests, single process)
//	redishub  : Redis Pub/Sub, for tabs spread across processes or hosts
//	filehub   : a watched spool directory shared by processes on one machine
//
// Delivery is best-effort with no acknowledgements and no persistence. The
// only ordering guarantee is per sender: messages published by one
// Synchronizer are observed by every other one in publish order. Nothing
// orders messages from different senders; consumers resolve conflicts with
// the rule that End always wins.
//
// A Synchronizer never hands a tab its own messages back. The sender is
// expected to apply its own signal locally before broadcasting it.
package tabsync
