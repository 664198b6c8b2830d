// kratad is the isolation-engine daemon: it launches Xen zones, wires
// them into the virtual L2/NAT fabric, persists desired state, and
// exposes the Control Service other tools drive zones through.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/containerd/ttrpc"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/krata-zone/kratad/internal/config"
	"github.com/krata-zone/kratad/internal/control"
	"github.com/krata-zone/kratad/internal/devices"
	"github.com/krata-zone/kratad/internal/domain"
	"github.com/krata-zone/kratad/internal/image"
	"github.com/krata-zone/kratad/internal/metrics"
	"github.com/krata-zone/kratad/internal/network"
	"github.com/krata-zone/kratad/internal/reconcile"
	"github.com/krata-zone/kratad/internal/store"
	"github.com/krata-zone/kratad/internal/xen/hypercall"
	"github.com/krata-zone/kratad/internal/xen/xenstore"
)

func main() {
	configPath := flag.String("config", "/etc/kratad/config.toml", "path to the daemon's TOML config file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid config")
	}

	logger := logrus.New()
	cfg.ApplyToLogger(logger)
	log := logrus.NewEntry(logger).WithField("component", "kratad")

	if err := os.MkdirAll(cfg.Runtime.RuntimeDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create runtime dir")
	}

	gate, err := hypercall.Open()
	if err != nil {
		log.WithError(err).Fatal("failed to open hypercall gate")
	}
	defer gate.Close()

	xs, err := xenstore.Dial(cfg.Runtime.XenStoreSocket)
	if err != nil {
		log.WithError(err).Fatal("failed to dial xenstore")
	}
	defer xs.Close()

	domainManager := domain.New(gate, xs, log)

	st, err := store.Open(filepath.Join(cfg.Runtime.RuntimeDir, "kratad.db"))
	if err != nil {
		log.WithError(err).Fatal("failed to open persistence store")
	}
	defer st.Close()

	_, ipv4Net, err := net.ParseCIDR(cfg.Network.IPv4Network)
	if err != nil {
		log.WithError(err).Fatal("invalid network.ipv4_network")
	}
	_, ipv6Net, err := net.ParseCIDR(cfg.Network.IPv6Network)
	if err != nil {
		log.WithError(err).Fatal("invalid network.ipv6_network")
	}
	netAssigner, err := network.New(cfg.Network.HostUUID, ipv4Net, ipv6Net, st.Reservations())
	if err != nil {
		log.WithError(err).Fatal("failed to initialize network assigner")
	}

	bridge := network.NewVirtualBridge(log)
	defer bridge.Stop()

	gwMAC, err := parseMAC(netAssigner.GatewayMAC())
	if err != nil {
		log.WithError(err).Fatal("invalid gateway mac")
	}
	hostBridge, err := network.NewHostBridge(gwMAC, netAssigner.GatewayIPv4(), netAssigner.GatewayIPv6(), bridge, log)
	if err != nil {
		log.WithError(err).Warn("failed to bring up host bridge, host will not reach the zone fabric")
	} else {
		defer hostBridge.Close()
	}

	deviceManager := devices.New(loadDeviceCatalog(), log)

	imageService, err := image.NewService(image.ServiceConfig{
		RootDir:        cfg.Image.RootDir,
		CacheEnabled:   cfg.Image.CacheEnabled,
		CacheMaxSizeMB: cfg.Image.CacheMaxSizeMB,
	}, image.NewCraneRegistryClient(), log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize image service")
	}
	imageResolver := &image.Resolver{
		Packer:            imageService,
		DefaultKernelPath: cfg.Zone.KernelPath,
		DefaultInitrdPath: cfg.Zone.InitrdPath,
		Arm64:             cfg.Zone.Arm64,
	}

	collector := metrics.NewCollector(log)

	zlt := reconcile.NewZoneLookupTable()
	idmReg := newIdmRegistry(log)
	backendReg := newBackendRegistry()

	var reconciler *reconcile.Reconciler
	launcher := &domainLauncher{
		inner:        domainManager,
		bridge:       bridge,
		idmReg:       idmReg,
		backends:     backendReg,
		arm64:        cfg.Zone.Arm64,
		kernelArgs:   cfg.Zone.KernelCmdline,
		backendDomid: 0,
		log:          log,
		zlt:          zlt,
	}
	reconciler = reconcile.New(st.Zones(), launcher, deviceManager, netAssigner, imageResolver, zlt, log)
	launcher.onExit = reconciler.OnExitEvent

	go reconciler.Run()
	defer reconciler.Stop()

	controlSvc := control.New(st.Zones(), reconciler, deviceManager, netAssigner, imageService, idmReg)

	ttrpcServer, err := ttrpc.NewServer()
	if err != nil {
		log.WithError(err).Fatal("failed to construct ttrpc server")
	}
	control.Register(ttrpcServer, controlSvc)

	_ = os.Remove(cfg.Control.Socket)
	listener, err := net.Listen("unix", cfg.Control.Socket)
	if err != nil {
		log.WithError(err).Fatal("failed to listen on control socket")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		log.WithField("socket", cfg.Control.Socket).Info("control service listening")
		if err := ttrpcServer.Serve(ctx, listener); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("control service exited")
		}
	}()

	if cfg.Metrics.Enabled {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.GET(cfg.Metrics.Path, gin.WrapH(collector.Handler()))
		router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
		metricsServer := &http.Server{Addr: cfg.Metrics.Address, Handler: router}
		go func() {
			log.WithField("address", cfg.Metrics.Address).Info("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server exited")
			}
		}()
		defer metricsServer.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	log.Info("shutting down")
	cancel()
	_ = ttrpcServer.Shutdown(context.Background())
}

// loadDeviceCatalog is a placeholder until PCI passthrough device
// declarations are read from the config file's [[devices]] table; no
// zones request passthrough devices without one being added here first.
func loadDeviceCatalog() map[string]devices.PciConfig {
	return map[string]devices.PciConfig{}
}
