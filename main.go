package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"github.com/porchio/dp832-multitool/battery"
	"github.com/porchio/dp832-multitool/scpi"
)

// snapshotInterval is the cadence of runtime state fan-out to the
// status logger and telemetry publisher.
const snapshotInterval = time.Second

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// If function returned normally (no panic), exit the goroutine
			// This covers both context cancellation and unexpected completion
			if panicValue == nil {
				return
			}

			// If ran for resetAfter duration before panicking, reset retry state
			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Printf("Panic in %s (attempt %d/%d): %v\n", name, retries, maxRetries, panicValue)

			// Check if we've exhausted retries
			if retries >= maxRetries {
				log.Printf("%s failed after %d retries, shutting down\n", name, maxRetries)
				cancel()
				return
			}

			// Wait before retry with exponential backoff
			log.Printf("%s will retry in %v\n", name, delay)
			select {
			case <-time.After(delay):
				// Double delay for next time, cap at max
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <mode> [flags]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Modes:")
	fmt.Fprintln(os.Stderr, "  sim      emulate battery packs on the supply channels")
	fmt.Fprintln(os.Stderr, "  control  interactive console for manual supply control")
	fmt.Fprintf(os.Stderr, "\nRun %s <mode> -h for mode flags.\n", os.Args[0])
}

// dialConn opens one transport to the supply. Addresses without a colon
// name a serial device.
func dialConn(cfg *Config) (*scpi.Conn, error) {
	if cfg.SerialDevice() {
		return scpi.DialSerial(cfg.Addr, cfg.Baud)
	}
	return scpi.Dial(cfg.Addr)
}

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "sim" && os.Args[1] != "control") {
		usage()
		os.Exit(2)
	}
	mode := os.Args[1]

	log.Println("Starting dp832-multitool...")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	cfg, err := parseConfig(mode, os.Args[2:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch mode {
	case "sim":
		runSim(ctx, cancel, cfg)
	case "control":
		runControl(ctx, cancel, cfg)
	}
}

// runSim drives one battery emulation loop per configured profile and
// blocks until every channel has stopped or shutdown is requested.
func runSim(ctx context.Context, cancel context.CancelFunc, cfg Config) {
	profiles, err := battery.LoadProfiles(cfg.ProfilePaths)
	if err != nil {
		log.Fatalf("Failed to load battery profiles: %v", err)
	}
	for _, p := range profiles {
		log.Printf("Loaded profile %s for CH%d (%.1fAh, cutoff %.2fV)\n",
			p.Name, p.Channel, p.CapacityAh, p.CutoffVoltage)
	}

	state := NewRuntimeState()
	logs := NewLogFiles()
	defer logs.Close()

	traceFn := func(line string) {
		state.AppendTrace(line)
		logs.WriteTrace(line)
	}

	// Probe connection: identify the instrument before touching channels.
	conn, err := dialConn(&cfg)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.Addr, err)
	}
	probe := scpi.NewDevice(conn)
	probe.SetVerbose(cfg.Verbose)
	probe.SetTrace(traceFn)

	id, err := probe.Identify()
	if err != nil {
		log.Fatalf("Identify failed: %v", err)
	}
	log.Printf("Device: %s\n", id)
	if err := probe.ClearStatus(); err != nil {
		log.Printf("Warning: clear status failed: %v\n", err)
	}

	var shared *scpi.Device
	if cfg.Strategy == StrategyShared {
		shared = probe
		defer probe.Close()
	}

	// Seed the runtime state so consumers see every channel from the
	// first snapshot.
	for _, p := range profiles {
		full := battery.InterpolateOCV(p.OCVCurve, 1.0)
		state.SetProfileName(p.Channel, p.Name)
		state.Publish(p.Channel, 1.0, full, 0, 0, full)
		state.SetEnabled(p.Channel, true)
	}

	statusChan := make(chan RuntimeSnapshot, 1)
	snapshotConsumers := []chan<- RuntimeSnapshot{statusChan}

	SafeGo(ctx, cancel, "status-worker", func(ctx context.Context) {
		statusWorker(ctx, statusChan)
	})

	if cfg.MQTTBroker != "" {
		mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
		mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect

		SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
			mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan)
		})
		log.Println("MQTT sender worker started")

		sender := NewMQTTSender(mqttOutgoingChan)

		// Create Home Assistant channel entities
		log.Println("Creating Home Assistant entities...")
		sensors := []struct {
			name, class, unit, key string
			precision              int
		}{
			{"State of Charge", "battery", "%", "soc", 1},
			{"Voltage", "voltage", "V", "voltage", 3},
			{"Current", "current", "A", "current", 3},
			{"Power", "power", "W", "power", 3},
		}
		for _, p := range profiles {
			for _, s := range sensors {
				err := sender.CreateChannelSensor(cfg.MQTTDeviceName, p.Channel,
					s.name, s.class, s.unit, s.key, s.precision)
				if err != nil {
					log.Fatalf("Failed to create CH%d %s entity: %v", p.Channel, s.name, err)
				}
			}
		}
		log.Println("Home Assistant entities created")

		telemetryChan := make(chan RuntimeSnapshot, 10)
		snapshotConsumers = append(snapshotConsumers, telemetryChan)

		SafeGo(ctx, cancel, "telemetry-worker", func(ctx context.Context) {
			telemetryWorker(ctx, telemetryChan, cfg.MQTTDeviceName, sender)
		})

		SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
			mqttWorker(ctx, cfg.MQTTBroker, cfg.MQTTUsername, cfg.MQTTPassword,
				"dp832-multitool", mqttClientChan)
		})
		log.Println("MQTT worker started")
	}

	SafeGo(ctx, cancel, "snapshot-worker", func(ctx context.Context) {
		snapshotWorker(ctx, state, snapshotInterval, snapshotConsumers)
	})

	// Channel loops run once each, outside SafeGo: a restart would
	// re-seed the pack model at full charge. The recover path mirrors
	// the loop's own terminal handling.
	var wg sync.WaitGroup
	for _, p := range profiles {
		dev := shared
		if dev == nil {
			conn, err := dialConn(&cfg)
			if err != nil {
				log.Fatalf("Failed to connect for CH%d: %v", p.Channel, err)
			}
			d := scpi.NewDevice(conn)
			d.SetVerbose(cfg.Verbose)
			d.SetTrace(traceFn)
			if err := d.ClearStatus(); err != nil {
				log.Printf("Warning: CH%d clear status failed: %v\n", p.Channel, err)
			}
			defer d.Close()
			dev = d
		}

		var samples *sampleLog
		if cfg.CSVBase != "" {
			samples, err = openSampleLog(cfg.CSVBase, p.Channel)
			if err != nil {
				log.Fatalf("Failed to open sample log for CH%d: %v", p.Channel, err)
			}
			defer samples.Close()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Panic in CH%d simulation: %v\n", p.Channel, r)
					if err := dev.OutputOff(p.Channel); err != nil {
						log.Printf("CH%d: output off failed: %v\n", p.Channel, err)
					}
					state.SetEnabled(p.Channel, false)
				}
			}()
			simWorker(ctx, state, logs, dev, p, samples)
		}()
		log.Printf("CH%d simulation worker started\n", p.Channel)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Wait for interrupt signal, worker failure, or all channels ending
	// on their own.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
		state.RequestStop()
		cancel()
		<-done
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
		state.RequestStop()
		<-done
	case <-done:
		log.Println("All channels stopped")
	}
	cancel()
}

// runControl hands the supply to the interactive console.
func runControl(ctx context.Context, cancel context.CancelFunc, cfg Config) {
	conn, err := dialConn(&cfg)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.Addr, err)
	}
	dev := scpi.NewDevice(conn)
	defer dev.Close()
	dev.SetVerbose(cfg.Verbose)
	dev.SetTrace(func(line string) {
		log.Printf("scpi: %s\n", line)
	})

	ctrl, err := NewController(dev)
	if err != nil {
		log.Fatalf("Controller init failed: %v", err)
	}

	SafeGo(ctx, cancel, "control-console", func(ctx context.Context) {
		controlWorker(ctx, cancel, ctrl)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
	}
	cancel()
}
