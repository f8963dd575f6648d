package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/polargo/internal/config"
	"github.com/cjeanneret/polargo/internal/debug"
	"github.com/cjeanneret/polargo/internal/supervisor"
)

func main() {
	webPort := &webPortFlag{defaultPort: 8090}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8090, -web 9090 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "supervisor.yaml"), "path to config file")
	controllerURL := flag.String("controller", "", "device base URL, e.g. http://polargo.local:8080")
	flag.Parse()

	if *controllerURL == "" {
		log.Fatal("-controller is required (device base URL)")
	}

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
	debug.Value("Controller URL", *controllerURL)

	client := supervisor.NewDeviceClient(*controllerURL, 10*time.Second)
	manager := supervisor.NewManager(client)
	manager.StartPoller()
	defer manager.Close()

	addr := cfg.Server.BindAddr
	if port := webPort.port(); port > 0 {
		addr = fmt.Sprintf(":%d", port)
	}

	srv := supervisor.NewServer(addr, manager)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		debug.Summary("Supervisor ready")
		log.Printf("supervisor listening on %s, controller=%s", addr, *controllerURL)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("supervisor server: %v", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("supervisor shutdown: %v", err)
		}
	}
}

// webPortFlag implements flag.Value for -web: 0 = use config bind_addr,
// -web= or -web 8090 -> 8090, -web 9090 -> 9090.
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
