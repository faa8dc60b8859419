// Command harrier is the field receiver binary: it wires together the
// sample-buffer capture worker, the scan/detect pipeline, the GPS reader,
// the SQLite store, and the line-JSON control server into one running
// process (flag parsing, signal.NotifyContext-based shutdown, one goroutine
// per concern joined on a sync.WaitGroup).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"os/signal"

	"github.com/wildfind/harrier/internal/capture"
	"github.com/wildfind/harrier/internal/control"
	"github.com/wildfind/harrier/internal/debugweb"
	"github.com/wildfind/harrier/internal/iqbuffer"
	"github.com/wildfind/harrier/internal/monitoring"
	"github.com/wildfind/harrier/internal/orchestrator"
	"github.com/wildfind/harrier/internal/serialmux"
	"github.com/wildfind/harrier/internal/settings"
	"github.com/wildfind/harrier/internal/status"
	"github.com/wildfind/harrier/internal/store"
	"github.com/wildfind/harrier/internal/version"
)

// gpsPortMode is the default NMEA serial configuration: 4800 baud, 8N1, the
// conventional setting for handheld/embedded GPS modules.
var gpsPortMode = serialmux.PortOptions{BaudRate: 4800, DataBits: 8, StopBits: 1, Parity: "N"}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		store.RunMigrateCommand(os.Args[2:], defaultDbPath())
		return
	}

	frequencyMHz := flag.Float64("frequency", 0, "Centre frequency to scan, in MHz (required)")
	gainDb := flag.Float64("gain", 20, "Receiver gain, in dB")
	confPath := flag.String("conf", defaultConfPath(), "Path to the settings snapshot file")
	survey := flag.String("survey", time.Now().Format("2006-01-02T15:04:05"), "Field-session name recorded with every scan")
	testMode := flag.Bool("test", false, "Run with a disabled GPS port and mock SDR, for dry runs off the bench")
	gpsPort := flag.String("port", "", "GPS serial device path (overridden by a later 'set port' control command)")
	listen := flag.String("listen", ":8080", "Control server listen address")
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("harrier v%s (git SHA: %s)\n", version.Version, version.GitSHA)
		return
	}

	dbPath := defaultDbPath()
	if flag.NArg() > 0 {
		dbPath = flag.Arg(0)
	}

	if *frequencyMHz <= 0 {
		log.Println("harrier: --frequency MHz is required")
		os.Exit(1)
	}

	st := settings.New(*frequencyMHz*1e6, *survey, *gpsPort)
	st.SetGainDb(*gainDb)
	if err := settings.Load(*confPath, st); err != nil {
		log.Println("harrier: " + err.Error())
		os.Exit(1)
	}

	db, err := store.New(dbPath)
	if err != nil {
		log.Printf("harrier: open store: %v", err)
		os.Exit(3)
	}
	defer db.Close()

	stat := status.New(db)
	spectrum := debugweb.New()

	driver := capture.NewMockDriver(iqbuffer.NumSamples)

	gpsFactory := func() (serialmux.SerialMuxInterface, error) {
		if *testMode {
			return serialmux.NewDisabledSerialMux(), nil
		}
		return serialmux.NewRealSerialMux(st.Port(), gpsPortMode)
	}

	orch := orchestrator.New(driver, iqbuffer.NumSamples, st, stat, db, gpsFactory, nil)
	orch.OnSpectrum(spectrum.Update)

	server := control.NewServer(orch)
	orch.SetControlServer(server)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, stopAll := context.WithCancel(ctx)
	defer stopAll()

	// Notify any connected client before the listener goes down.
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	var wg sync.WaitGroup

	var fatalErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil {
			monitoring.Logf("harrier: orchestrator exited: %v", err)
			fatalErr = err
		}
		stopAll()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx, *listen); err != nil && ctx.Err() == nil {
			monitoring.Logf("harrier: control server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()
		db.AttachAdminRoutes(mux)
		spectrum.AttachAdminRoutes(mux)
		httpServer := &http.Server{Addr: adminListenAddr(*listen), Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("harrier: admin HTTP server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logConsoleStatus(ctx, stat)
	}()

	wg.Wait()

	if err := settings.Save(*confPath, st); err != nil {
		monitoring.Logf("harrier: save settings: %v", err)
	}
	if fatalErr != nil {
		log.Printf("harrier: fatal: %v", fatalErr)
		os.Exit(3)
	}
	log.Println("harrier: shutdown complete")
}

// logConsoleStatus prints the operator-facing status line once a second.
func logConsoleStatus(ctx context.Context, stat *status.Status) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(os.Stderr, stat.String())
		}
	}
}

func defaultConfPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "harrier.conf"
	}
	return filepath.Join(home, "harrier.conf")
}

func defaultDbPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "harrier.wfh"
	}
	return filepath.Join(home, "harrier.wfh")
}

// adminListenAddr derives the admin/debug HTTP listen address from the
// control server's address by incrementing its port by one, so the two
// servers never collide on the default ":8080" control port.
func adminListenAddr(controlAddr string) string {
	host, portStr, err := net.SplitHostPort(controlAddr)
	if err != nil {
		return ":8081"
	}
	n := 8081
	fmt.Sscanf(portStr, "%d", &n)
	n++
	return fmt.Sprintf("%s:%d", host, n)
}
