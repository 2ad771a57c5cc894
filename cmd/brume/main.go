// Command brume is the client: it obtains an anonymous credential,
// connects to a bridge through an obfuscated transport, and exposes
// the tunnel on local SOCKS5 and HTTP proxies.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"

	"github.com/brume-vpn/brume/internal/binder"
	"github.com/brume-vpn/brume/internal/cachedb"
	"github.com/brume-vpn/brume/internal/creds"
	"github.com/brume-vpn/brume/internal/directory"
	"github.com/brume-vpn/brume/internal/forwarder"
	"github.com/brume-vpn/brume/internal/governor"
	"github.com/brume-vpn/brume/internal/httpproxy"
	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/selector"
	"github.com/brume-vpn/brume/internal/sessionmgr"
	"github.com/brume-vpn/brume/internal/socksproxy"
	"github.com/brume-vpn/brume/internal/statusapi"
	"github.com/brume-vpn/brume/internal/transport"
	"github.com/brume-vpn/brume/internal/tunio"
	"github.com/brume-vpn/brume/internal/workers"
)

var startTime = time.Now()

func printUsage() {
	fmt.Println("valid commands: run, status")
	getopt.Usage()
	os.Exit(0)
}

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")
	helpFlag := getopt.Bool('h', "Display help")

	getopt.Parse()
	args := getopt.Args()

	if len(args) != 1 || *helpFlag {
		printUsage()
	}

	verbosityLevel := log.InfoLevel
	switch *optVerbosity {
	case uint16(1):
		verbosityLevel = log.FatalLevel
	case uint16(2):
		verbosityLevel = log.ErrorLevel
	case uint16(3):
		verbosityLevel = log.WarnLevel
	case uint16(4):
		verbosityLevel = log.InfoLevel
	default:
		verbosityLevel = log.DebugLevel
	}
	logger := &log.Logger{Level: verbosityLevel, Handler: &logHandler{Writer: os.Stderr}}

	if *optConfig == "" {
		fmt.Println("[error] need config path")
		os.Exit(1)
	}
	options, err := model.ReadConfigFile(*optConfig)
	if err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}
	cfg := model.NewConfig(model.WithLogger(logger), model.WithOptions(options))

	switch args[0] {
	case "run":
		runClient(cfg)
	case "status":
		runStatus(cfg)
	default:
		printUsage()
	}
}

// runStatus queries the status endpoint of a running client and prints
// the snapshot.
func runStatus(cfg *model.Config) {
	addr := cfg.Options().ListenStatus
	if addr == "" {
		fmt.Println("fatal: no listen-status address configured")
		os.Exit(1)
	}
	resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

// cachePath returns the cache file location, preferring the configured
// directory over the OS user cache.
func cachePath(o *model.Options) string {
	dir := o.CacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = "."
		}
		dir = filepath.Join(base, "brume")
	}
	return filepath.Join(dir, "cache.json")
}

func runClient(cfg *model.Config) {
	logger := cfg.Logger()
	o := cfg.Options()
	if !o.HasAuthInfo() {
		fmt.Println("fatal: config needs username and password")
		os.Exit(1)
	}
	if o.BinderAddr == "" {
		fmt.Println("fatal: config needs a binder address")
		os.Exit(1)
	}

	db, err := cachedb.Open(cachePath(o))
	if err != nil {
		fmt.Println("fatal: cannot open cache: " + err.Error())
		os.Exit(1)
	}

	client := binder.NewHTTPClient(logger, o.BinderAddr)
	store := creds.NewStore(logger, client, &binder.RSABlinder{},
		o.Username, o.Password, o.Tiers, db)

	sel := selector.New(logger, selector.DefaultParams())
	scoresKey := "scores-" + o.Username
	var scores map[model.BridgeID]selector.ScoreRecord
	if db.GetStale(scoresKey, &scores) {
		sel.ImportScores(scores)
	}

	dir := directory.New(logger, client, store, db, o.Username, sel.UpdateDescriptors)
	dir.LoadCached()

	netDialer, err := transport.NewNetDialer(logger, o.FrontProxy)
	if err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}

	mgr := sessionmgr.New(logger, netDialer, store, sel, dir, sessionmgr.DefaultParams())
	fwd := forwarder.New(logger, mgr, governor.New(logger, governor.DefaultParams()))

	w := workers.NewManager(logger)
	dir.StartWorkers(w)
	mgr.StartWorkers(w)

	socks := socksproxy.New(logger, o.ListenSOCKS, fwd)
	if err := socks.StartWorkers(w); err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}
	if o.ListenHTTP != "" {
		hp := httpproxy.New(logger, o.ListenHTTP, fwd)
		if err := hp.StartWorkers(w); err != nil {
			fmt.Println("fatal: " + err.Error())
			os.Exit(1)
		}
	}
	if o.ListenStatus != "" {
		api := statusapi.New(logger, o.ListenStatus, mgr.Status)
		if err := api.StartWorkers(w); err != nil {
			fmt.Println("fatal: " + err.Error())
			os.Exit(1)
		}
	}

	var device *tunio.Device
	if o.TunDevice != "" {
		device = tunio.New(logger, fwd, tunio.DeviceOptions{
			Name:        o.TunDevice,
			LocalAddr:   "10.9.0.2",
			GatewayAddr: "10.9.0.1",
			NetMask:     "255.255.255.0",
		})
		if err := device.Up(); err != nil {
			fmt.Println("fatal: " + err.Error())
			os.Exit(1)
		}
		device.StartWorkers(w)
	}

	logger.Infof("brume: started in %v", time.Since(startTime))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("brume: shutting down")

	w.StartShutdown()
	w.WaitWorkersShutdown()
	if device != nil {
		device.Down()
	}
	if err := db.Put(scoresKey, sel.ExportScores()); err != nil {
		logger.Warnf("brume: cannot persist bridge scores: %s", err.Error())
	}
}

type logHandler struct {
	io.Writer
}

func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	var s string
	if e.Level == log.DebugLevel {
		s = fmt.Sprintf("%s", e.Message)
	} else if e.Level == log.ErrorLevel {
		s = fmt.Sprintf("[%14.6f] <!err> %s", time.Since(startTime).Seconds(), e.Message)
	} else {
		s = fmt.Sprintf("[%14.6f] <%s> %s", time.Since(startTime).Seconds(), e.Level, e.Message)
	}
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"
	_, err = h.Writer.Write([]byte(s))
	return
}
