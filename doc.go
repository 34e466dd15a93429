// Package wsync synchronizes a local working directory with a versioned
// remote depot through a content-addressable store.
//
// A workspace root holds three things: the sync directory with the
// materialized files, the content store with file blobs keyed by digest,
// and the manifest recording what the engine placed in the sync directory.
// Files move between the sync directory and the store instead of being
// copied, so switching revisions back and forth only fetches content the
// workspace has never seen.
//
// Basic usage:
//
//	ws, _ := wsync.Open("/work/ws", server)
//	defer ws.Close()
//
//	ws.Setup(ctx, "main")
//
//	// Sync the head revision, skipping the Data directory
//	res, err := ws.Sync(ctx, wsync.SyncOptions{
//	    Stream: "main",
//	    View:   []string{"-/Data/..."},
//	})
//	fmt.Println(res.Status, res.Materialized, res.Fetched)
//
//	// Dry run: what would syncing revision 1 do?
//	plan, _ := ws.Sync(ctx, wsync.SyncOptions{Stream: "main", Revision: 1, FakeSync: true})
//
//	// Maintenance
//	ws.Purge(ctx, 10<<30)  // keep at most 10 GiB of cached content
//	ws.Repair(ctx)         // verify blobs and manifest against disk
//	ws.Clear(ctx)          // move every file back into the store
//
// Concurrent operations on one Workspace fail fast with ErrWorkspaceBusy.
package wsync
