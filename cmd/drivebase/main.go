package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/drivebase/internal/config"
	"github.com/cjeanneret/drivebase/internal/console"
	"github.com/cjeanneret/drivebase/internal/debug"
	"github.com/cjeanneret/drivebase/internal/drive"
	"github.com/cjeanneret/drivebase/internal/hw/bridge"
	"github.com/cjeanneret/drivebase/internal/hw/encoder"
	"github.com/cjeanneret/drivebase/internal/hw/gpio"
	"github.com/cjeanneret/drivebase/internal/web"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

// realMain returns the process exit code. Returning instead of exiting lets
// the deferred board and motor cleanup run on every failure path.
func realMain(args []string) int {
	// CLI flags
	fs := flag.NewFlagSet("drivebase", flag.ContinueOnError)
	webPort := &webPortFlag{defaultPort: 8080}
	fs.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := fs.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	shell := fs.Bool("shell", false, "start the interactive bench shell")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Printf("load config failed: %v", err)
		return 1
	}
	if webPort.port() == 0 && cfg.Web.Port > 0 {
		webPort.val = cfg.Web.Port
	}

	debug.Init(cfg.Defaults.DebugLevel)
	defer debug.Sync()
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("GPIO backend", cfg.Defaults.GPIOBackend)

	debug.Step(1, "Initializing GPIO board")
	board, err := gpio.NewBoard(gpio.Backend(cfg.Defaults.GPIOBackend))
	if err != nil {
		log.Printf("init GPIO failed: %v", err)
		return 1
	}
	defer func() {
		if err := board.Close(); err != nil {
			log.Printf("closing GPIO board failed: %v", err)
		}
	}()

	return serve(ctx, board, cfg, webPort.port(), *shell)
}

// serve builds the drive base on board and runs it until ctx is done. It
// returns the exit code; a motor that cannot be built or started is a
// configuration failure and no loop runs.
func serve(ctx context.Context, board gpio.Board, cfg *config.Config, port int, shell bool) int {
	debug.Step(2, "Initializing motors")
	base, err := drive.NewBase(board, motorConfigs(cfg))
	if err != nil {
		log.Printf("init motors failed: %v", err)
		return 1
	}
	defer func() {
		if err := base.Close(); err != nil {
			log.Printf("closing motors failed: %v", err)
		}
	}()

	debug.Step(3, "Starting control loops")
	if err := base.Start(ctx); err != nil {
		log.Printf("start motors failed: %v", err)
		return 1
	}

	code := 0
	if err := run(ctx, base, cfg, port, shell); err != nil {
		log.Printf("%v", err)
		code = 1
	}

	debug.Section("Shutdown")
	if err := base.Stop(); err != nil {
		log.Printf("stopping motors failed: %v", err)
		code = 1
	}
	return code
}

// run serves the web adapter and/or the bench shell until ctx is done, the
// shell exits or the web server fails. With neither, it waits for a signal.
func run(ctx context.Context, base *drive.Base, cfg *config.Config, port int, shell bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var webErr chan error
	if port > 0 {
		webErr = make(chan error, 1)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		srv := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, base, cfg.TelemetryPeriod())
		go func() {
			if err := srv.Run(ctx); err != nil {
				webErr <- fmt.Errorf("web server: %w", err)
			}
			close(webErr)
		}()
	}

	if shell {
		go func() {
			// a failing web server ends the shell too
			select {
			case err, ok := <-webErr:
				if ok {
					log.Printf("%v", err)
				}
				cancel()
			case <-ctx.Done():
			}
		}()
		console.Run(ctx, base)
		cancel()
	} else {
		select {
		case err := <-webErr:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}
	}
	if webErr == nil {
		return nil
	}
	return <-webErr
}

// motorConfigs maps the file configuration onto one drive.Config per motor.
func motorConfigs(cfg *config.Config) []drive.Config {
	out := make([]drive.Config, 0, len(cfg.Motors))
	for _, m := range cfg.Motors {
		out = append(out, drive.Config{
			ID: m.ID,
			Bridge: bridge.Config{
				ForwardPin:     m.ForwardPin,
				ReversePin:     m.ReversePin,
				EnablePin:      m.EnablePin,
				Frequency:      cfg.Frequency(),
				ResolutionBits: cfg.PWM.ResolutionBits,
			},
			Encoder: encoder.Config{
				Pin:          m.EncoderPin,
				GlitchFilter: cfg.GlitchFilter(),
			},
			PulsesPerRevolution: cfg.Control.PulsesPerRev,
			Period:              cfg.Period(),
			MaxDelta:            cfg.Control.MaxDelta,
			MaxVelocity:         cfg.Control.MaxVelocity,
			PID:                 cfg.PIDParams(m),
			EnableOnStart:       m.EnableOnStart,
		})
	}
	return out
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= → default port, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
