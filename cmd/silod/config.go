package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roasbeef/meridian/internal/build"
	"github.com/roasbeef/meridian/internal/stream"
)

// subjectTuning is one stream subject's backpressure knobs, loaded from
// the optional "subjects" list in the config file.
type subjectTuning struct {
	Subject       string `mapstructure:"subject"`
	Policy        string `mapstructure:"policy"`
	Capacity      int    `mapstructure:"capacity"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
	Burst         int    `mapstructure:"burst"`
}

// config is the daemon's full runtime configuration: flags seed it, an
// optional YAML file overrides it, and a subset of fields (ReminderInterval,
// Subjects) are re-read live on every config-file edit.
type config struct {
	SiloID         string
	Endpoint       string
	ListenAddr     string
	DBPath         string
	EnableMCP      bool
	LogDir         string
	MaxLogFiles    int
	MaxLogFileSize int

	ReminderInterval time.Duration
	Subjects         []subjectTuning
}

// loadConfig binds pflag flags into a viper instance, reads an optional
// YAML config file (flags win when both set a value), and returns the
// resolved config plus the viper instance so the caller can also
// WatchConfig it for live edits.
func loadConfig() (*config, *viper.Viper) {
	fs := pflag.NewFlagSet("silod", pflag.ExitOnError)

	fs.String("silo-id", "silo-1", "This silo's cluster identifier")
	fs.String("endpoint", "localhost:7770", "Address this silo advertises to peers")
	fs.String("listen", ":7770", "gRPC listen address for inbound Invoke calls (empty disables inbound)")
	fs.String("db", "~/.meridian/silo.db", "Path to sqlite state database")
	fs.Bool("mcp", false, "Enable MCP stdio transport for cluster introspection")
	fs.String("log-dir", "~/.meridian/logs", "Directory for log files (empty disables file logging)")
	fs.Int("max-log-files", build.DefaultMaxLogFiles, "Maximum number of rotated log files to keep")
	fs.Int("max-log-file-size", build.DefaultMaxLogFileSize, "Maximum log file size in MB before rotation")
	fs.Duration("reminder-interval", time.Second, "How often the reminder ticker scans for due work")
	configFile := fs.String("config", "", "Path to a YAML config file (default: ~/.meridian/silod.yaml if present)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		log.Fatalf("binding flags: %v", err)
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("silod")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.meridian")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.Printf("config: %v (continuing with flags/defaults only)", err)
		}
	} else {
		log.Printf("config: loaded %s", v.ConfigFileUsed())
	}

	var subjects []subjectTuning
	if err := v.UnmarshalKey("subjects", &subjects); err != nil {
		log.Printf("config: ignoring malformed subjects list: %v", err)
	}

	return &config{
		SiloID:           v.GetString("silo-id"),
		Endpoint:         v.GetString("endpoint"),
		ListenAddr:       v.GetString("listen"),
		DBPath:           v.GetString("db"),
		EnableMCP:        v.GetBool("mcp"),
		LogDir:           v.GetString("log-dir"),
		MaxLogFiles:      v.GetInt("max-log-files"),
		MaxLogFileSize:   v.GetInt("max-log-file-size"),
		ReminderInterval: v.GetDuration("reminder-interval"),
		Subjects:         subjects,
	}, v
}

// subjectConfig translates one YAML subject entry into a stream.SubjectConfig,
// defaulting to PolicyNone on an unrecognized or empty policy name.
func (t subjectTuning) subjectConfig() stream.SubjectConfig {
	cfg := stream.SubjectConfig{
		Capacity:      t.Capacity,
		RatePerSecond: t.RatePerSecond,
		Burst:         t.Burst,
	}
	switch t.Policy {
	case "block":
		cfg.Policy = stream.PolicyBlock
	case "drop-oldest":
		cfg.Policy = stream.PolicyDropOldest
	case "drop-newest":
		cfg.Policy = stream.PolicyDropNewest
	case "throttle":
		cfg.Policy = stream.PolicyThrottle
	default:
		cfg.Policy = stream.PolicyNone
	}
	return cfg
}

// describeSubjects renders the configured subject tunings for a startup
// log line.
func describeSubjects(subjects []subjectTuning) string {
	if len(subjects) == 0 {
		return "none"
	}
	out := ""
	for i, s := range subjects {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%s", s.Subject, s.Policy)
	}
	return out
}
