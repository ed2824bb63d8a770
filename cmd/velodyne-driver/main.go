package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/banshee-data/velodyne-driver/internal/api"
	"github.com/banshee-data/velodyne-driver/internal/config"
	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/driver"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/network"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/scanstore"
	"github.com/banshee-data/velodyne-driver/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON or YAML driver config file")
	envFile     = flag.String("env", "", "Dotenv file with VELODYNE_* overrides (default: .env if present)")
	pcapFile    = flag.String("pcap", "", "Replay firing and positioning packets from a pcap file instead of UDP")
	pcapSpeed   = flag.Float64("pcap-speed", 1.0, "PCAP replay speed multiplier (0 = as fast as possible)")
	gpsSerial   = flag.String("gps-serial", "", "Read NMEA from a GPS receiver on this serial device instead of the positioning port")
	dbFile      = flag.String("db", "", "SQLite path or postgres:// URL of the scan index (empty disables indexing)")
	listen      = flag.String("listen", "", "HTTP status listen address (overrides http_listen; \"off\" disables)")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// options are the command line overrides applied on top of the config file.
type options struct {
	configPath string
	envFiles   []string
	pcapFile   string
	pcapSpeed  float64
	gpsSerial  string
	dbFile     string
	listen     string
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *debug {
		monitoring.SetDebugLogger(os.Stderr)
	}

	opts := options{
		configPath: *configPath,
		pcapFile:   *pcapFile,
		pcapSpeed:  *pcapSpeed,
		gpsSerial:  *gpsSerial,
		dbFile:     *dbFile,
		listen:     *listen,
	}
	if *envFile != "" {
		opts.envFiles = []string{*envFile}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("%s starting", version.String())
	if err := run(ctx, opts); err != nil {
		log.Fatalf("velodyne driver: %v", err)
	}
	log.Print("Graceful shutdown complete")
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath, opts.envFiles...)
	if err != nil {
		return err
	}
	applyOverrides(cfg, opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	firingStats := network.NewPacketStats("firing", nil)
	positioningStats := network.NewPacketStats("positioning", nil)

	inputs, err := openInputs(ctx, cfg, opts.pcapSpeed, firingStats, positioningStats)
	if err != nil {
		return err
	}
	defer inputs.closeForwarder()

	d, err := driver.New(cfg.Driver(), inputs.firing, inputs.positioning)
	if err != nil {
		inputs.firing.Close()
		inputs.positioning.Close()
		return err
	}

	tracker := api.NewScanTracker(api.DefaultTrackerWindow)
	consumers := driver.MultiConsumer{tracker}
	var (
		index api.ScanIndex
		admin http.Handler
	)
	if dsn := cfg.GetScanDB(); dsn != "" {
		store, err := scanstore.OpenIndex(ctx, dsn)
		if err != nil {
			d.Close()
			return err
		}
		defer store.Close()
		consumers = append(consumers, store)
		index = store
		if sqlite, ok := store.(*scanstore.Store); ok {
			mux := http.NewServeMux()
			if err := sqlite.AttachAdminRoutes(mux); err != nil {
				log.Printf("admin routes disabled: %v", err)
			} else {
				admin = mux
			}
		}
	}

	var wg sync.WaitGroup

	for _, ps := range []*network.PacketStats{firingStats, positioningStats} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ps.Run(ctx, cfg.GetStatsInterval())
		}()
	}

	if addr := cfg.GetHTTPListen(); addr != "" {
		srv := api.New(api.Config{ListenAddr: addr, Admin: admin}, d, tracker, index, firingStats, positioningStats)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
			log.Print("HTTP server routine terminated")
		}()
	}

	if err := d.Start(ctx); err != nil {
		d.Close()
		return err
	}

	runErr := d.Run(ctx, consumers)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	st := d.Status()
	log.Printf("driver stopped: %d scans, %d retries, %d corrupt, sync %s", st.Scans, st.Retries, st.Corrupt, st.SyncState)

	// Cancel the stats loggers and HTTP server, then join the synchronizer
	// before the sources are closed.
	cancel()
	closeErr := d.Close()
	wg.Wait()
	return errors.Join(runErr, closeErr)
}

func applyOverrides(cfg *config.DriverConfig, opts options) {
	if opts.pcapFile != "" {
		cfg.PCAPFile = &opts.pcapFile
	}
	if opts.gpsSerial != "" {
		cfg.GPSSerialDevice = &opts.gpsSerial
	}
	if opts.dbFile != "" {
		cfg.ScanDB = &opts.dbFile
	}
	switch opts.listen {
	case "":
	case "off":
		empty := ""
		cfg.HTTPListen = &empty
	default:
		cfg.HTTPListen = &opts.listen
	}
}

type inputs struct {
	firing      network.PacketSource
	positioning network.PacketSource
	forwarder   *network.PacketForwarder
}

func (in *inputs) closeForwarder() {
	if in.forwarder != nil {
		in.forwarder.Close()
	}
}

// openInputs opens the firing and positioning channels: UDP sockets by
// default, a pcap replay when pcap_file is set, and a serial GPS receiver
// for positioning when gps_serial_device is set.
func openInputs(ctx context.Context, cfg *config.DriverConfig, speed float64, firingStats, positioningStats *network.PacketStats) (*inputs, error) {
	in := &inputs{}
	fail := func(err error) (*inputs, error) {
		if in.firing != nil {
			in.firing.Close()
		}
		if in.positioning != nil {
			in.positioning.Close()
		}
		in.closeForwarder()
		return nil, err
	}

	if dev := cfg.GetGPSSerialDevice(); dev != "" {
		src, err := network.OpenSerialSource(dev, cfg.GetGPSBaud())
		if err != nil {
			return fail(err)
		}
		in.positioning = src
	}

	if path := cfg.GetPCAPFile(); path != "" {
		epoch := network.NewReplayEpoch()
		firing, err := network.OpenPCAPSource(path, network.PCAPOptions{
			Port:       cfg.GetFiringPort(),
			PacketSize: packet.FiringPacketSize,
			Speed:      speed,
			Stats:      firingStats,
			Epoch:      epoch,
		})
		if err != nil {
			return fail(err)
		}
		in.firing = firing
		if in.positioning == nil {
			positioning, err := network.OpenPCAPSource(path, network.PCAPOptions{
				Port:       cfg.GetPositioningPort(),
				PacketSize: packet.PositioningPacketSize,
				Speed:      speed,
				Stats:      positioningStats,
				Epoch:      epoch,
			})
			if err != nil {
				return fail(err)
			}
			in.positioning = positioning
		}
		return in, nil
	}

	if port := cfg.GetForwardPort(); port > 0 {
		fwd, err := network.NewPacketForwarder(network.ForwarderConfig{
			Address:     net.JoinHostPort(cfg.GetForwardAddress(), strconv.Itoa(port)),
			Stats:       firingStats,
			LogInterval: cfg.GetStatsInterval(),
		})
		if err != nil {
			return fail(err)
		}
		fwd.Start(ctx)
		in.forwarder = fwd
	}

	firing, err := network.NewUDPSource(network.UDPSourceConfig{
		Address:    cfg.FiringAddress(),
		RcvBuf:     cfg.GetRcvBuf(),
		PacketSize: packet.FiringPacketSize,
		Stats:      firingStats,
		Forwarder:  in.forwarder,
	})
	if err != nil {
		return fail(err)
	}
	in.firing = firing

	if in.positioning == nil {
		positioning, err := network.NewUDPSource(network.UDPSourceConfig{
			Address:    cfg.PositioningAddress(),
			PacketSize: packet.PositioningPacketSize,
			Stats:      positioningStats,
		})
		if err != nil {
			return fail(err)
		}
		in.positioning = positioning
	}
	return in, nil
}
