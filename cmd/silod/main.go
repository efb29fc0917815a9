// Command silod runs one meridian silo: a cluster member that hosts
// activations, persists their state, ticks reminders, and serves Invoke
// calls from its peers. It is pflag+viper-configured, with rotating file
// logs fanned out through a btclog HandlerSet, graceful shutdown on
// SIGINT/SIGTERM with a double-signal force-exit escape hatch, and an
// optional MCP stdio transport for interactive cluster introspection.
package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/fsnotify/fsnotify"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/viper"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/build"
	"github.com/roasbeef/meridian/internal/codec"
	"github.com/roasbeef/meridian/internal/dlq"
	"github.com/roasbeef/meridian/internal/gateway"
	"github.com/roasbeef/meridian/internal/mcpserver"
	"github.com/roasbeef/meridian/internal/membership"
	"github.com/roasbeef/meridian/internal/reminder"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/silo"
	"github.com/roasbeef/meridian/internal/statestore"
	"github.com/roasbeef/meridian/internal/stream"
	"github.com/roasbeef/meridian/internal/transport/grpctransport"
)

func main() {
	cfg, v := loadConfig()

	siloID := cfg.SiloID
	endpoint := cfg.Endpoint
	listenAddr := cfg.ListenAddr
	dbPath := cfg.DBPath
	enableMCP := cfg.EnableMCP
	logDir := cfg.LogDir
	maxLogFiles := cfg.MaxLogFiles
	maxLogFileSize := cfg.MaxLogFileSize

	expandHome := func(path string) string {
		expanded := os.ExpandEnv(path)
		if expanded == path && len(path) > 0 && path[0] == '~' {
			home, err := os.UserHomeDir()
			if err != nil {
				log.Fatalf("failed to get home directory: %v", err)
			}
			expanded = home + path[1:]
		}
		return expanded
	}

	dbPathExpanded := expandHome(dbPath)
	logDirExpanded := expandHome(logDir)

	var logRotator *build.RotatingLogWriter
	if logDirExpanded != "" {
		logRotator = build.NewRotatingLogWriter()
		err := logRotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:         logDirExpanded,
			MaxLogFiles:    maxLogFiles,
			MaxLogFileSize: maxLogFileSize,
		})
		if err != nil {
			log.Printf("failed to init log rotator: %v (continuing without file logging)", err)
			logRotator = nil
		} else {
			defer logRotator.Close()

			multiWriter := io.MultiWriter(os.Stderr, logRotator)
			log.SetOutput(multiWriter)
			log.SetFlags(log.LstdFlags)
		}
	}

	log.Printf("silod version %s commit=%s go=%s", build.Version(), commitInfo(), build.GoVersion)

	var handlers []btclog.Handler
	handlers = append(handlers, btclog.NewDefaultHandler(os.Stderr))
	if logRotator != nil {
		handlers = append(handlers, btclog.NewDefaultHandler(logRotator))
		log.Printf("log file rotation enabled: dir=%s, max_files=%d, max_size=%dMB",
			logDirExpanded, maxLogFiles, maxLogFileSize)
	}
	combined := build.NewHandlerSet(handlers...)
	rootLogger := btclog.NewSLogger(combined)

	wireLoggers(rootLogger)

	reg := registry.New()
	registerActorTypes(reg)

	memberCfg := membership.DefaultConfig()
	mp := membership.NewLocal(memberCfg, rootLogger.WithPrefix("MBRS"))

	var xport *grpctransport.Transport
	if listenAddr != "" {
		xport = grpctransport.New(grpctransport.Config{
			Resolve: func(target string) (string, bool) {
				if target == siloID {
					return endpoint, true
				}
				infos, err := mp.List(context.Background())
				if err != nil {
					return "", false
				}
				for _, info := range infos {
					if info.SiloID == target {
						return info.Endpoint, true
					}
				}
				return "", false
			},
			Codec:      codec.JSON{},
			ListenAddr: listenAddr,
		})
	}

	siloCfg := silo.Config{
		SiloID:            siloID,
		Endpoint:          endpoint,
		Registry:          reg,
		Membership:        mp,
		StatePath:         dbPathExpanded,
		HeartbeatInterval: memberCfg.HeartbeatInterval / 2,
		ReminderInterval:  cfg.ReminderInterval,
		HeartbeatFunc:     func() { mp.Heartbeat(siloID) },
	}
	// xport is a typed *grpctransport.Transport; only assign it into the
	// transport.Transport interface field when it's genuinely non-nil,
	// to avoid the classic typed-nil-interface pitfall (a nil pointer
	// wrapped in a non-nil interface would pass every `!= nil` check in
	// Silo.Start and then panic on first method call).
	if xport != nil {
		siloCfg.Transport = xport
	}

	s := silo.New(siloCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		log.Fatalf("failed to start silo: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := s.Stop(stopCtx, true); err != nil {
			log.Printf("error stopping silo: %v", err)
		}
	}()

	applySubjectTuning(s, cfg.Subjects)
	watchLiveConfig(v, s)

	log.Printf("silo %s listening at %s (%d actor types registered)", siloID, endpoint, len(reg.Types()))
	log.Printf("reminder interval %s, subjects: %s", cfg.ReminderInterval, describeSubjects(cfg.Subjects))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received %v, initiating graceful shutdown (send again to force exit)...", sig)
		cancel()

		sig = <-sigCh
		log.Printf("received %v again, forcing immediate exit", sig)
		os.Exit(1)
	}()

	if enableMCP {
		mcpSrv := mcpserver.NewServer(mcpserver.Config{Silo: s})
		log.Println("starting silod MCP server on stdio...")
		if err := mcpSrv.Run(ctx, &sdkmcp.StdioTransport{}); err != nil {
			log.Fatalf("mcp server error: %v", err)
		}
	} else {
		log.Println("running with no MCP stdio transport")
		<-ctx.Done()
	}
}

// wireLoggers hands the shared root logger to every package that exposes a
// UseLogger hook, prefixed the way lnd-family daemons tag subsystems.
func wireLoggers(root btclog.Logger) {
	activation.UseLogger(root.WithPrefix("ACTV"))
	gateway.UseLogger(root.WithPrefix("GTWY"))
	reminder.UseLogger(root.WithPrefix("RMDR"))
	dlq.UseLogger(root.WithPrefix("DLQS"))
	stream.UseLogger(root.WithPrefix("STRM"))
	statestore.UseLogger(root.WithPrefix("STOR"))
	silo.UseLogger(root.WithPrefix("SILO"))
	grpctransport.UseLogger(root.WithPrefix("GRPC"))
}

// commitInfo returns the best available commit identifier: the ldflags-
// injected Commit if set, falling back to the VCS revision embedded by the
// toolchain, falling back to "dev".
func commitInfo() string {
	if build.Commit != "" {
		return build.Commit
	}
	if build.CommitHash != "" {
		return build.CommitHash
	}
	return "dev"
}

// applySubjectTuning applies the configured per-subject backpressure
// policy to the silo's stream broker.
func applySubjectTuning(s *silo.Silo, subjects []subjectTuning) {
	for _, tuning := range subjects {
		s.Broker().ConfigureSubject(tuning.Subject, tuning.subjectConfig())
	}
}

// watchLiveConfig re-reads reminder-interval and subjects on every config
// file edit and pushes them into the running silo without a restart.
func watchLiveConfig(v *viper.Viper, s *silo.Silo) {
	if v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("config: reload triggered by %s", e.Name)

		if interval := v.GetDuration("reminder-interval"); interval > 0 {
			s.ReminderTicker().SetInterval(interval)
			log.Printf("config: reminder interval now %s", interval)
		}

		var subjects []subjectTuning
		if err := v.UnmarshalKey("subjects", &subjects); err != nil {
			log.Printf("config: ignoring malformed subjects list on reload: %v", err)
			return
		}
		applySubjectTuning(s, subjects)
		log.Printf("config: subjects now: %s", describeSubjects(subjects))
	})
	v.WatchConfig()
}
