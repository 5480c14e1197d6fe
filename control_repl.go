package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/porchio/dp832-multitool/battery"
)

// How often the console re-reads the panel behind the prompt.
const panelRefreshInterval = 2 * time.Second

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

// historyFilePath returns the path for the console history file
func historyFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	toolCache := filepath.Join(cacheDir, "dp832-multitool")
	// Create directory if it doesn't exist
	_ = os.MkdirAll(toolCache, 0750)
	return filepath.Join(toolCache, "control_history")
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

func parseChannelArg(s string) (int, error) {
	ch, err := strconv.Atoi(s)
	if err != nil || ch < 1 || ch > battery.MaxChannel {
		return 0, fmt.Errorf("channel must be 1-%d", battery.MaxChannel)
	}
	return ch, nil
}

// parseSetpoint parses "<channel> <value>" command arguments.
func parseSetpoint(args []string) (int, float64, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("expected <channel> <value>")
	}
	ch, err := parseChannelArg(args[0])
	if err != nil {
		return 0, 0, err
	}
	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value: %s", args[1])
	}
	if value < 0 {
		return 0, 0, fmt.Errorf("value must be non-negative")
	}
	return ch, value, nil
}

func printStatus(ctrl *Controller) {
	for ch := 1; ch <= battery.MaxChannel; ch++ {
		st := ctrl.Channel(ch)
		state := "OFF"
		if st.Enabled {
			state = "ON "
		}
		fmt.Printf("CH%d [%s] set %.3fV %.3fA | meas %.3fV %.3fA %.3fW\n",
			ch, state, st.VoltageSet, st.CurrentSet,
			st.VoltageActual, st.CurrentActual, st.PowerActual)
	}
}

// handleControlCommand processes a console command. Returns true when
// the console should exit.
func handleControlCommand(cmd string, ctrl *Controller) bool {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false
	}

	switch parts[0] {
	case "status":
		printStatus(ctrl)

	case "refresh":
		if len(parts) >= 2 {
			ch, err := parseChannelArg(parts[1])
			if err != nil {
				log.Printf("Error: %v", err)
				return false
			}
			if err := ctrl.Refresh(ch); err != nil {
				log.Printf("Refresh failed: %v", err)
				return false
			}
		} else if err := ctrl.RefreshAll(); err != nil {
			log.Printf("Refresh failed: %v", err)
			return false
		}
		printStatus(ctrl)

	case "volt":
		ch, v, err := parseSetpoint(parts[1:])
		if err != nil {
			log.Printf("Error: %v", err)
			return false
		}
		if err := ctrl.SetVoltage(ch, v); err != nil {
			log.Printf("Set voltage failed: %v", err)
			return false
		}
		fmt.Printf("CH%d voltage set to %.3fV\n", ch, v)

	case "curr":
		ch, a, err := parseSetpoint(parts[1:])
		if err != nil {
			log.Printf("Error: %v", err)
			return false
		}
		if err := ctrl.SetCurrent(ch, a); err != nil {
			log.Printf("Set current failed: %v", err)
			return false
		}
		fmt.Printf("CH%d current limit set to %.3fA\n", ch, a)

	case "on", "off":
		on := parts[0] == "on"
		if len(parts) < 2 {
			log.Printf("Usage: %s <channel>|all", parts[0])
			return false
		}
		if parts[1] == "all" {
			var err error
			if on {
				err = ctrl.EnableAll()
			} else {
				err = ctrl.DisableAll()
			}
			if err != nil {
				log.Printf("Output switch failed: %v", err)
				return false
			}
			if on {
				fmt.Println("All outputs enabled")
			} else {
				fmt.Println("All outputs disabled")
			}
			return false
		}
		ch, err := parseChannelArg(parts[1])
		if err != nil {
			log.Printf("Error: %v", err)
			return false
		}
		if err := ctrl.SetOutput(ch, on); err != nil {
			log.Printf("Output switch failed: %v", err)
			return false
		}
		if on {
			fmt.Printf("CH%d output enabled\n", ch)
		} else {
			fmt.Printf("CH%d output disabled\n", ch)
		}

	case "idn":
		fmt.Println(ctrl.DeviceID())

	case "verbose":
		if len(parts) < 2 || (parts[1] != "on" && parts[1] != "off") {
			log.Println("Usage: verbose on|off")
			return false
		}
		ctrl.SetVerbose(parts[1] == "on")
		fmt.Printf("Verbose tracing %s\n", parts[1])

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  status                 - Show all channels")
		fmt.Println("  refresh [channel]      - Re-read panel state, then show it")
		fmt.Println("  volt <channel> <V>     - Set channel voltage")
		fmt.Println("  curr <channel> <A>     - Set channel current limit")
		fmt.Println("  on <channel>|all       - Enable output")
		fmt.Println("  off <channel>|all      - Disable output")
		fmt.Println("  idn                    - Show instrument identity")
		fmt.Println("  verbose on|off         - Trace every command on the wire")
		fmt.Println("  quit                   - Exit")

	case "quit", "exit":
		return true

	default:
		log.Printf("Unknown command: %s (try 'help')", parts[0])
	}

	return false
}

// controlWorker runs the interactive control console against a live
// supply. Panel state refreshes on a timer between commands.
func controlWorker(ctx context.Context, cancel context.CancelFunc, ctrl *Controller) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "dp832> ",
		HistoryFile: historyFilePath(),
	})
	if err != nil {
		log.Printf("Control console: readline init failed: %v", err)
		cancel()
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil // Clear readline reference on exit
	}()

	// Redirect log output through readline-aware writer
	rlWriter.rl = rl
	log.SetOutput(rlWriter)

	log.Printf("Connected: %s\n", ctrl.DeviceID())
	log.Println("Control console ready (type 'help' for commands)")

	commandChan := make(chan string, 10)
	go readlineLoop(ctx, cancel, rl, commandChan)

	ticker := time.NewTicker(panelRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-commandChan:
			if handleControlCommand(cmd, ctrl) {
				cancel()
				return
			}
		case <-ticker.C:
			if err := ctrl.RefreshAll(); err != nil {
				log.Printf("Panel refresh failed: %v\n", err)
			}
		case <-ctx.Done():
			log.Println("Control console stopped")
			return
		}
	}
}
