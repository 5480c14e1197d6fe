package main

import (
	"context"
	"log"
	"time"
)

const statusLogInterval = 30 * time.Second

// statusWorker logs a periodic one-line summary per active channel so
// headless runs still show progress. It keeps only the latest snapshot
// and prints on its own slower cadence.
func statusWorker(ctx context.Context, snapChan <-chan RuntimeSnapshot) {
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()

	var latest *RuntimeSnapshot

	for {
		select {
		case snap := <-snapChan:
			latest = &snap

		case <-ticker.C:
			if latest == nil {
				continue
			}
			for i, ch := range latest.Channels {
				if !ch.Enabled {
					continue
				}
				log.Printf("CH%d: soc=%.1f%% v=%.3fV i=%.3fA p=%.3fW (%s)\n",
					i+1, ch.SOC*100, ch.Voltage, ch.Current, ch.Power, ch.ProfileName)
			}

		case <-ctx.Done():
			return
		}
	}
}
