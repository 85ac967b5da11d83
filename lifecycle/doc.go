// Package lifecycle implements the session lifecycle coordinator: the state
// machine that decides when a session warns, extends and ends, and that
// performs the redirect exactly once.
//
// States
//
//	Active   --warning threshold reached-->      Warning
//	Active   --End (local or remote)-->          Ending
//	Active   --countdown expired-->              Ending
//	Warning  --extend succeeded-->               Active
//	Warning  --extend failed-->                  Ending  (extend-failure redirect)
//	Warning  --warning display reached zero-->   Ending
//	Warning  --End (local or remote)-->          Ending
//	Ending   --EndingDuration elapsed-->         Ended   (single redirect)
//
// # Monotonic ending
//
// Once a coordinator enters Ending nothing moves it back. Further End signals
// from any source (timer, user, another tab) are ignored, and an extend
// response that arrives after Ending is discarded. Entering Ending runs the
// one teardown path (countdown and heartbeat stop) and schedules Ended.
// Entering Ended stops both again (no-ops), broadcasts End to the other tabs,
// emits Events.OnSessionEnd and finally calls the Redirector. No signal
// source can cause a second Ended.
//
// # Concurrency
//
// A Coordinator emulates a single-threaded event loop. Timer callbacks, tab
// messages, extend responses and host calls are all submitted to a
// run-to-completion serial queue, so they never interleave. Host callbacks
// (Events, state observers) run inside that queue; calls they make back into
// the coordinator are queued and take effect after the callback returns.
//
// Across tabs there is real concurrency and only per-sender ordering. The
// resolution rule is that End always wins: a received End forces Ending no
// matter what extension is pending locally.
//
// # Redirect URLs
//
// Config.RedirectBaseURL is used verbatim. An extension failure redirects to
//
//	RedirectBaseURL + ExtendFailurePath + "?sessionId=" + url.QueryEscape(id)
//
// Slash handling is the caller's configuration responsibility.
package lifecycle
