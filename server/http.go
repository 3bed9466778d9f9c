/******************************************************************************
 *
 *  Description :
 *
 *  Web server initialization and shutdown.
 *
 *****************************************************************************/

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/tinode/relay/server/logs"
	"golang.org/x/crypto/acme/autocert"
)

// How long to wait for in-flight HTTP requests on shutdown.
const httpShutdownTimeout = 5 * time.Second

type tlsConfigType struct {
	// Flag enabling TLS
	Enabled bool `json:"enabled"`
	// Listen on port 80 and redirect plain HTTP to HTTPS
	RedirectHTTP string `json:"http_redirect"`
	// Enable Strict-Transport-Security by setting max_age > 0
	StrictMaxAge int `json:"strict_max_age"`
	// ACME autocert config, e.g. letsencrypt.org
	Autocert *tlsAutocertConfig `json:"autocert"`
	// If Autocert is not defined, provide file names of static certificate and key
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

type tlsAutocertConfig struct {
	// Domains to support by autocert
	Domains []string `json:"domains"`
	// Name of directory where auto-certificates are cached, e.g. /etc/letsencrypt/live/your-domain-here
	CertCache string `json:"cache"`
	// Contact email for letsencrypt
	Email string `json:"email"`
}

// httpConfig holds parameters of the HTTP surface.
type httpConfig struct {
	wsPath           string
	legacyWSPath     string
	metricsPath      string
	corsOrigins      []string
	accessLog        bool
	useXForwardedFor bool
	strictMaxAge     int
}

// newHTTPHandler builds the handler serving websocket, health, info and metrics endpoints.
func newHTTPHandler(hub *Hub, conf httpConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(conf.wsPath, hub.wsHandler(conf.wsPath, conf.useXForwardedFor))
	if conf.legacyWSPath != "" && conf.legacyWSPath != conf.wsPath {
		mux.HandleFunc(conf.legacyWSPath, hub.wsHandler(conf.legacyWSPath, conf.useXForwardedFor))
	}
	mux.HandleFunc("/health", serveHealth)
	mux.HandleFunc("/", serveInfo(conf.wsPath, hub.config.maxUsers))
	if conf.metricsPath != "" && conf.metricsPath != "-" {
		mux.Handle(conf.metricsPath, hub.stats.handler())
		logs.Info.Printf("stats: metrics exposed at '%s'", conf.metricsPath)
	}

	var handler http.Handler = mux
	if len(conf.corsOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(conf.corsOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodOptions}),
		)(handler)
	}
	if conf.accessLog {
		handler = handlers.CombinedLoggingHandler(logs.Info.Writer(), handler)
		if conf.useXForwardedFor {
			handler = handlers.ProxyHeaders(handler)
		}
	}
	return hstsHandler(handler, conf.strictMaxAge)
}

func serveHealth(wrt http.ResponseWriter, req *http.Request) {
	wrt.Header().Set("Content-Type", "application/json")
	json.NewEncoder(wrt).Encode(map[string]string{"status": "ok"})
}

// serveInfo describes the service at "/". Other unmatched paths get 404.
func serveInfo(wsPath string, maxUsers int) http.HandlerFunc {
	info := map[string]any{
		"service":        "relay",
		"websocket_path": wsPath + "{username}",
		"max_users":      maxUsers,
		"version":        currentVersion,
	}
	return func(wrt http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			serve404(wrt, req)
			return
		}
		wrt.Header().Set("Content-Type", "application/json")
		json.NewEncoder(wrt).Encode(info)
	}
}

func serve404(wrt http.ResponseWriter, req *http.Request) {
	wrt.Header().Set("Content-Type", "application/json")
	wrt.WriteHeader(http.StatusNotFound)
	json.NewEncoder(wrt).Encode(map[string]any{"code": http.StatusNotFound, "text": "not found"})
}

func listenAndServe(addr string, handler http.Handler, tlsConfig *tlsConfigType, stop <-chan bool, onStop func()) error {
	var shuttingDown atomic.Bool

	httpdone := make(chan bool)

	server := &http.Server{Addr: addr, Handler: handler}
	tlsEnabled := tlsConfig != nil && tlsConfig.Enabled
	if tlsEnabled {
		// If port is not specified, use default https port (443),
		// otherwise it will default to 80
		if server.Addr == "" {
			server.Addr = ":https"
		}

		server.TLSConfig = &tls.Config{}
		if tlsConfig.Autocert != nil {
			certManager := autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(tlsConfig.Autocert.Domains...),
				Cache:      autocert.DirCache(tlsConfig.Autocert.CertCache),
				Email:      tlsConfig.Autocert.Email,
			}

			server.TLSConfig.GetCertificate = certManager.GetCertificate
			if tlsConfig.CertFile != "" || tlsConfig.KeyFile != "" {
				logs.Warn.Println("http: using autocert, static cert and key files are ignored")
				tlsConfig.CertFile = ""
				tlsConfig.KeyFile = ""
			}
		} else if tlsConfig.CertFile == "" || tlsConfig.KeyFile == "" {
			return errors.New("http: missing certificate or key file names")
		}
	}

	go func() {
		var err error
		if tlsEnabled {
			if tlsConfig.RedirectHTTP != "" {
				logs.Info.Printf("http: redirecting connections from HTTP at [%s] to HTTPS at [%s]",
					tlsConfig.RedirectHTTP, server.Addr)
				go http.ListenAndServe(tlsConfig.RedirectHTTP, tlsRedirect(server.Addr))
			}

			logs.Info.Printf("http: listening for client HTTPS connections on [%s]", server.Addr)
			err = server.ListenAndServeTLS(tlsConfig.CertFile, tlsConfig.KeyFile)
		} else {
			logs.Info.Printf("http: listening for client HTTP connections on [%s]", server.Addr)
			err = server.ListenAndServe()
		}
		if err != nil {
			if shuttingDown.Load() {
				logs.Info.Println("http: stopped")
			} else {
				logs.Err.Println("http: failed", err)
			}
		}
		httpdone <- true
	}()

	// Wait for either a termination signal or an error
loop:
	for {
		select {
		case <-stop:
			// Flip the flag that we are terminating and close the Accept-ing socket, so no new connections are possible
			shuttingDown.Store(true)
			ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			err := server.Shutdown(ctx)
			cancel()
			if err != nil {
				// failure/timeout shutting down the server gracefully
				return err
			}

			// Wait for http server to stop Accept()-ing connections
			<-httpdone

			// Websocket connections are hijacked and not closed by Shutdown.
			onStop()

			break loop

		case <-httpdone:
			break loop
		}
	}
	return nil
}

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is
		sig := <-signchan
		logs.Info.Printf("Signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}

// Wrapper for http.Handler which optionally adds a Strict-Transport-Security to the response
func hstsHandler(handler http.Handler, maxAge int) http.Handler {
	if maxAge <= 0 {
		return handler
	}
	value := "max-age=" + strconv.Itoa(maxAge)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", value)
		handler.ServeHTTP(w, r)
	})
}

// Redirect HTTP requests to HTTPS
func tlsRedirect(toPort string) http.HandlerFunc {
	if i := strings.LastIndex(toPort, ":"); i >= 0 {
		toPort = toPort[i:]
	}
	if toPort == ":443" || toPort == ":https" {
		toPort = ""
	}
	return func(wrt http.ResponseWriter, req *http.Request) {
		target := "https://" + strings.Split(req.Host, ":")[0] + toPort + req.URL.Path
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		http.Redirect(wrt, req, target, http.StatusTemporaryRedirect)
	}
}
