// Package filehub implements tabsync.Hub on a spool directory shared by
// processes on one machine. It plays the role a storage-change event plays
// between browser tabs: publishers drop message files, subscribers learn of
// them through fsnotify.
//
// Layout
//
//	<dir>/<base64url(topic)>/<unixnano>-<seq>-<hubid>.msg
//
// Files are written to a temporary name and renamed into place, so a
// subscriber never reads a partial message. Names sort in publish order for a
// given hub, which gives the per-sender ordering tabsync requires. Files older
// than the retention window are pruned by publishers.
package filehub
