// Package memoryhub provides an in-memory tabsync.Hub for tests and
// single-process hosts where every tab lives in the same process.
//
// Characteristics
//
//	Durability        : none
//	Horizontal scale  : no (process local)
//	Ordering          : publish order per publishing goroutine
//	Delivery          : synchronous, on the publisher's goroutine
//	Concurrency       : safe (RWMutex, subscribers snapshotted per publish)
//
// Because delivery is synchronous, a test driving several coordinators over
// one memoryhub with a fake clock is fully deterministic.
package memoryhub
