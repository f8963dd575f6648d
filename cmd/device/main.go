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

	"github.com/cjeanneret/polargo/internal/config"
	"github.com/cjeanneret/polargo/internal/debug"
	"github.com/cjeanneret/polargo/internal/hw/gpio"
	"github.com/cjeanneret/polargo/internal/hw/pen"
	"github.com/cjeanneret/polargo/internal/kinematics"
	"github.com/cjeanneret/polargo/internal/motion"
	"github.com/cjeanneret/polargo/internal/pulse"
	"github.com/cjeanneret/polargo/internal/queue"
	"github.com/cjeanneret/polargo/internal/web"
)

func main() {
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "device.yaml"), "path to config file")
	wifiIP := flag.String("wifi_ip", "", "IP reported in /api/status (reported as an empty string if unset)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)

	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing pulse engine")
	eng, err := pulse.NewEngine(gpioDriver, pulse.Config{
		Left: pulse.MotorPins{
			StepPin:     cfg.LeftStepper.StepPin,
			DirPin:      cfg.LeftStepper.DirPin,
			DirPolarity: toDirPolarity(cfg.LeftStepper.DirPolarity),
		},
		Right: pulse.MotorPins{
			StepPin:     cfg.RightStepper.StepPin,
			DirPin:      cfg.RightStepper.DirPin,
			DirPolarity: toDirPolarity(cfg.RightStepper.DirPolarity),
		},
		MinPulseUS: cfg.Motion.MinPulseUS,
		YieldEvery: cfg.Motion.YieldEvery,
	})
	if err != nil {
		log.Fatalf("init pulse engine failed: %v", err)
	}

	debug.Step(3, "Initializing pen actuator")
	actuator, err := pen.NewActuator(gpioDriver, pen.Config{
		Pin:          cfg.Pen.Pin,
		UpAngleDeg:   cfg.Pen.UpAngleDeg,
		DownAngleDeg: cfg.Pen.DownAngleDeg,
		SettleDelay:  cfg.PenSettleDelay(),
		FreqHz:       cfg.Pen.FreqHz,
		MinPulseUS:   cfg.Pen.MinPulseUS,
		MaxPulseUS:   cfg.Pen.MaxPulseUS,
	})
	if err != nil {
		log.Fatalf("init pen actuator failed: %v", err)
	}

	geo := kinematics.Geometry{
		BoardWidthMm:              cfg.Board.WidthMm,
		BoardHeightMm:             cfg.Board.HeightMm,
		ConnectionToPenDistanceMm: cfg.Board.ConnectionToPenDistanceMm,
		MotorVerticalOffsetMm:     cfg.Board.MotorVerticalOffsetMm,
		SpoolDiameterMm:           cfg.Board.SpoolDiameterMm,
		StepsPerRev:               cfg.Board.StepsPerRev,
		Microsteps:                cfg.Board.Microsteps,
	}

	q := queue.New(cfg.Queue.Capacity)
	controller := motion.NewController(geo, eng, actuator, q, motion.Config{
		TravelSpeed: cfg.Motion.TravelSpeed,
		MaxSpeed:    cfg.Motion.MaxSpeed,
	})

	debug.Step(4, "Starting motion scheduler")
	go controller.RunScheduler(ctx)

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	addr := cfg.Server.BindAddr
	if port := webPort.port(); port > 0 {
		addr = fmt.Sprintf(":%d", port)
	}

	srv := web.NewServer(addr, controller, broadcaster, *wifiIP)
	debug.Summary("Device ready")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("web server: %v", err)
	}
}

func toDirPolarity(p config.DirPolarity) pulse.DirPolarity {
	if p == config.Inverted {
		return pulse.Inverted
	}
	return pulse.Normal
}

// webPortFlag implements flag.Value for -web: 0 = use config bind_addr,
// -web= or -web 8080 -> 8080, -web 8980 -> 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
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
