// Package events provides the in-process event plumbing used for run
// lifecycle notifications and feature degradation notices.
//
// Broadcaster is a small generic observer list. Delivery is synchronous and
// isolated: each listener runs on the publisher's goroutine, and a panic in
// one listener is recovered and logged without affecting the others.
//
//	runs := events.NewBroadcaster[events.ExecutionEvent]("runs")
//	stop := runs.Subscribe(func(e events.ExecutionEvent) {
//		logging.Info("Watcher", "%s %s", e.RunID, e.Reason)
//	})
//	defer stop()
package events
