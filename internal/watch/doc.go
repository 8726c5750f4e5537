// Package watch turns raw fsnotify notifications for a directory tree into
// canonical tree.Event values.
//
// Every non-hidden directory under the root is registered with fsnotify.
// Writes are settled before they are reported: each create or write pushes
// the path's deadline forward by the stability threshold, and every poll
// interval the pending files are re-stat'ed so a write that is still in
// progress keeps pushing the deadline too. When a deadline passes, exactly
// one event is emitted for the path. Removals are reported immediately; a
// file that is removed before its creation was reported produces nothing.
//
// Usage:
//
//	w, err := watch.New(watch.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	if err := w.Start("/srv/data"); err != nil {
//	    return err
//	}
//
//	for {
//	    select {
//	    case ev, ok := <-w.Events():
//	        if !ok {
//	            return nil
//	        }
//	        hub.Broadcast(ev)
//	    case err := <-w.Errors():
//	        if tree.IsFatal(err) {
//	            return err
//	        }
//	    }
//	}
package watch
