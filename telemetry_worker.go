package main

import (
	"context"
	"encoding/json"
	"log"
)

type channelTelemetry struct {
	SOC     float64 `json:"soc"`
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
	OCV     float64 `json:"ocv"`
}

// telemetryWorker publishes one state message per enabled channel for
// every snapshot it receives. Topics match the discovery configs
// created at startup.
func telemetryWorker(
	ctx context.Context,
	snapChan <-chan RuntimeSnapshot,
	deviceName string,
	sender *MQTTSender,
) {
	log.Println("Starting telemetry worker")
	defer log.Println("Stopping telemetry worker")

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snapChan:
			for i, ch := range snap.Channels {
				if !ch.Enabled {
					continue
				}

				payload, err := json.Marshal(channelTelemetry{
					SOC:     ch.SOC * 100,
					Voltage: ch.Voltage,
					Current: ch.Current,
					Power:   ch.Power,
					OCV:     ch.OCV,
				})
				if err != nil {
					log.Printf("Failed to marshal telemetry for channel %d: %v\n", i+1, err)
					continue
				}

				sender.Send(MQTTMessage{
					Topic:   channelStateTopic(deviceName, i+1),
					Payload: payload,
					QoS:     0,
					Retain:  false,
				})
			}
		}
	}
}
