package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"gopad/config"
	"gopad/crypto"
	"gopad/models"
	"gopad/network"
	"gopad/osinput"
	"gopad/router"
	"gopad/session"
	"gopad/storage"
	"gopad/translate"
	"gopad/ui"
)

var (
	version     = "0.1.0"
	roleFlag    = flag.String("role", "", "Run as host or client for this process (overrides config)")
	dryRun      = flag.Bool("dry-run", false, "Host: log synthetic input instead of posting it to the OS")
	controlAddr = flag.String("control", "", "Control surface listen address (overrides config)")
	showVer     = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("gopad version %s\n", version)
		return
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	role := cfg.Role
	if *roleFlag != "" {
		if role, err = models.ParseRole(*roleFlag); err != nil {
			log.Fatalf("startup failed: %v", err)
		}
	}
	control := cfg.ControlAddress
	if *controlAddr != "" {
		control = *controlAddr
	}

	identity, err := crypto.LoadIdentity(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing Ed25519 keypair: %v", err)
	}
	if cfg.KeyFingerprint != identity.Fingerprint {
		cfg.KeyFingerprint = identity.Fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Role:            %s\n", role)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	var controlServer *ui.Server
	options := session.Options{
		Identity: network.LocalIdentity{
			DeviceID:   cfg.DeviceID,
			DeviceName: cfg.DeviceName,
			Role:       string(role),
			Keys:       identity,
		},
		ListenAddress: cfg.ListenAddress(),
		AutoAccept:    cfg.AutoAcceptEnabled(),
		History:       store,
	}

	var engine *translate.Engine
	if role == models.RoleHost {
		engine, err = newEngine(cfg.Translation, *dryRun, func(degraded bool, cause error) {
			if degraded {
				log.Printf("translate: os input degraded err=%v", cause)
			} else {
				log.Printf("translate: os input recovered")
			}
			if controlServer != nil {
				controlServer.PublishStatus("degraded_changed")
			}
		})
		if err != nil {
			log.Fatalf("startup failed while preparing input translation: %v", err)
		}
		options.OnInput = engine.Handle
		options.OnDisconnected = func(models.Peer) { engine.ReleaseAll() }
	}

	manager, err := session.NewManager(options)
	if err != nil {
		log.Fatalf("startup failed while creating session manager: %v", err)
	}

	uiOptions := ui.Options{
		DeviceName: cfg.DeviceName,
		Session:    manager,
		History:    store,
	}
	var gestures *router.Router
	if role == models.RoleClient {
		gestures = router.New(router.SenderFunc(manager.Send))
		uiOptions.Gestures = gestures
	}
	if engine != nil {
		uiOptions.Health = engine
	}
	controlServer, err = ui.NewServer(uiOptions)
	if err != nil {
		log.Fatalf("startup failed while creating control surface: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", control)
	if err != nil {
		log.Fatalf("startup failed while binding control surface %s: %v", control, err)
	}
	fmt.Printf("Control Surface: http://%s\n", listener.Addr())
	go func() {
		if err := controlServer.Serve(listener); err != nil {
			log.Printf("ui: control surface stopped err=%v", err)
		}
	}()
	go controlServer.Run(ctx, manager.Events())

	if err := manager.Start(role); err != nil {
		log.Fatalf("startup failed while starting session: %v", err)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	if gestures != nil {
		gestures.ReleaseAll()
	}
	manager.Stop()
	if engine != nil {
		engine.ReleaseAll()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("ui: shutdown error: %v", err)
	}
}

func newEngine(tr config.TranslationConfig, dryRun bool, onDegraded func(bool, error)) (*translate.Engine, error) {
	keyMap, err := translate.DefaultKeyMap().WithOverrides(tr.KeyMap)
	if err != nil {
		return nil, err
	}

	var sink translate.Sink
	if dryRun {
		sink = osinput.NewVirtual(1920, 1080, true)
	} else {
		robot, err := osinput.NewRobotgo()
		if err != nil {
			return nil, err
		}
		sink = robot
	}

	return translate.NewEngine(sink, translate.Config{
		Threshold:        tr.Threshold,
		Deadzone:         tr.Deadzone,
		Sensitivity:      tr.Sensitivity,
		KeyMap:           keyMap,
		OnDegradedChange: onDegraded,
	}), nil
}
