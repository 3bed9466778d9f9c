/******************************************************************************
 *
 *  File        :  main.go
 *
 ******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/common/version"
	"github.com/tinode/relay/server/fanout"
	"github.com/tinode/relay/server/history"
	"github.com/tinode/relay/server/logs"
	jcr "github.com/tinode/jsonco"

	// Fanout and history adapters.
	_ "github.com/tinode/relay/server/fanout/nats"
	_ "github.com/tinode/relay/server/history/boltdb"
)

const (
	// Relay version.
	currentVersion = "0.1"

	defaultListen       = ":6060"
	defaultWSPath       = "/relay/"
	defaultLegacyWSPath = "/ws/"
	defaultMetricsPath  = "/metrics"

	defaultMaxUsers       = 10
	defaultMaxMessageSize = 1 << 20
)

type historyConfigType struct {
	// Number of messages kept per pair of users.
	Size int `json:"size"`
	// Number of recent messages per peer sent to the client.
	Limit int `json:"limit"`
	// Name of the adapter to use.
	UseAdapter string `json:"use_adapter"`
	// Configurations of individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

type fanoutConfigType struct {
	// Name of the adapter to use. Empty disables fanout.
	UseAdapter string `json:"use_adapter"`
	// Prefix of per-user delivery channels.
	SubjectPrefix string `json:"subject_prefix"`
	// Configurations of individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

// Contents of the configuration file
type configType struct {
	// HTTP(S) address:port to listen on for websocket and HTTP requests.
	Listen string `json:"listen"`
	// URL path prefix of websocket connections. The user ID follows the prefix.
	WSPath string `json:"ws_path"`
	// Additional path prefix accepted for older clients. Set to "" to disable.
	LegacyWSPath *string `json:"legacy_ws_path"`
	// Maximum number of connected users.
	MaxUsers int `json:"max_users"`
	// Maximum size of an incoming frame in bytes.
	MaxMessageSize int64 `json:"max_message_size"`
	// How long to wait for space in a full outbound queue, milliseconds.
	SendTimeout int `json:"send_timeout_ms"`
	// Time allowed to write a frame, seconds.
	WriteWait int `json:"write_wait"`
	// Connection is dropped if the client does not answer pings for this long, seconds.
	IdleTimeout int `json:"idle_timeout"`
	// Take client IP address from the X-Forwarded-For header.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Origins allowed by CORS. Empty disables CORS headers.
	CORSOrigins []string `json:"cors_origins"`
	// Write HTTP access log to the info log.
	AccessLog bool `json:"access_log"`
	// Snowflake worker ID, unique per relay instance.
	WorkerID uint `json:"worker_id"`
	// URL path of Prometheus metrics. "-" disables metrics.
	MetricsPath string `json:"metrics_path"`
	// Shared passphrase handed out to clients. Empty disables it.
	Passphrase string `json:"passphrase"`
	// Maximum length of a label in grapheme clusters.
	MaxLabelLength int `json:"max_label_length"`

	History historyConfigType `json:"history"`
	Fanout  fanoutConfigType  `json:"fanout"`
	TLS     *tlsConfigType    `json:"tls"`
}

func main() {
	executable, _ := os.Executable()

	var configfile = flag.String("config", "./relay.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	var logFlags = flag.String("log_flags", "", "Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix)")
	var maxUsers = flag.Int("max_users", 0, "Override the maximum number of connected users.")
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)

	if version.Version == "" {
		version.Version = currentVersion
	}
	logs.Info.Printf("Relay %s, server '%s' pid=%d started with processes: %d", version.Info(), executable,
		os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	logs.Info.Printf("Using config from '%s'", *configfile)

	config := readConfig(*configfile)

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Listen == "" {
		config.Listen = defaultListen
	}
	if *maxUsers > 0 {
		config.MaxUsers = *maxUsers
	}
	if config.MaxUsers <= 0 {
		config.MaxUsers = defaultMaxUsers
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.WSPath == "" {
		config.WSPath = defaultWSPath
	}
	legacyWSPath := defaultLegacyWSPath
	if config.LegacyWSPath != nil {
		legacyWSPath = *config.LegacyWSPath
	}
	if config.MetricsPath == "" {
		config.MetricsPath = defaultMetricsPath
	}
	if config.CORSOrigins == nil {
		config.CORSOrigins = []string{"*"}
	}

	hist, err := history.Open(config.History.UseAdapter, config.History.Size,
		config.History.Adapters[config.History.UseAdapter])
	if err != nil {
		logs.Err.Fatal("Failed to open history store: ", err)
	}
	logs.Info.Printf("history: using '%s' adapter", orDefault(config.History.UseAdapter, "memory"))

	broker, err := fanout.Open(config.Fanout.UseAdapter, config.Fanout.Adapters[config.Fanout.UseAdapter])
	if err != nil {
		logs.Err.Fatal("Failed to connect to fanout broker: ", err)
	}
	if fanout.Enabled(broker) {
		logs.Info.Printf("fanout: using '%s' adapter", config.Fanout.UseAdapter)
	} else {
		logs.Info.Println("fanout: disabled, single instance mode")
	}

	if config.Passphrase != "" {
		logs.Warn.Println("Passphrase is configured: it is handed out to every client, so the relay " +
			"and anyone who can connect to it are able to decrypt the traffic")
	}

	hub, err := newHub(hubConfig{
		maxUsers:       config.MaxUsers,
		historyLimit:   config.History.Limit,
		maxLabelLength: config.MaxLabelLength,
		passphrase:     config.Passphrase,
		fanoutPrefix:   config.Fanout.SubjectPrefix,
		sendTimeout:    time.Duration(config.SendTimeout) * time.Millisecond,
		writeWait:      time.Duration(config.WriteWait) * time.Second,
		idleTimeout:    time.Duration(config.IdleTimeout) * time.Second,
		maxMessageSize: config.MaxMessageSize,
		workerID:       config.WorkerID,
	}, hist, broker)
	if err != nil {
		logs.Err.Fatal(err)
	}

	strictMaxAge := 0
	if config.TLS != nil && config.TLS.Enabled {
		strictMaxAge = config.TLS.StrictMaxAge
	}
	handler := newHTTPHandler(hub, httpConfig{
		wsPath:           config.WSPath,
		legacyWSPath:     legacyWSPath,
		metricsPath:      config.MetricsPath,
		corsOrigins:      config.CORSOrigins,
		accessLog:        config.AccessLog,
		useXForwardedFor: config.UseXForwardedFor,
		strictMaxAge:     strictMaxAge,
	})

	logs.Info.Printf("Accepting websocket connections at '%s{username}', max users %d", config.WSPath, config.MaxUsers)
	if err = listenAndServe(config.Listen, handler, config.TLS, signalHandler(), hub.shutdown); err != nil {
		logs.Err.Fatal(err)
	}
	logs.Info.Println("All done, good bye")
}

// readConfig parses the config file. Comments are allowed. Errors are fatal.
func readConfig(path string) *configType {
	var config configType

	file, err := os.Open(path)
	if err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	}
	defer file.Close()

	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
				jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		default:
			logs.Err.Fatal("Failed to parse config file: ", err)
		}
	}

	return &config
}

func orDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
