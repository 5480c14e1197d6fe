package main

import (
	"context"
	"log"
	"time"
)

// snapshotWorker periodically captures the runtime state and fans the
// copy out to downstream consumers with non-blocking sends, so a slow
// consumer can never stall the capture cadence or another consumer.
func snapshotWorker(ctx context.Context, state *RuntimeState, interval time.Duration, outputChans []chan<- RuntimeSnapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := state.Snapshot()
			for i, ch := range outputChans {
				select {
				case ch <- snap:
				case <-ctx.Done():
					return
				default:
					log.Printf("Warning: snapshot consumer %d channel full, dropping update\n", i)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}
