// bclProxy tunnels local TCP ports to services on a car head unit over a
// Bluetooth RFCOMM link speaking BCL.
//
// Settings come from a JSON file (-config, default bclproxy.json) and can be
// overridden by flags. -write-config stores the merged result and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"dosgo/bclProxy/comm"
	"dosgo/bclProxy/status"
	"dosgo/bclProxy/tunnel"
	"dosgo/bclProxy/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", comm.DefaultConfigFile, "Config file")
	linkType := flag.String("link", "", "Link type: serial, rfcomm, bluez or tcp")
	addr := flag.String("addr", "", "Link address: tty path, head unit MAC or host:port")
	listen := flag.String("listen", "", "Local listen address for the proxy")
	dest := flag.Uint("dest", 0, "Head unit port the proxy connects to")
	statusAddr := flag.String("status", "", "Serve /state, /report and /ws on this address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	writeConfig := flag.Bool("write-config", false, "Write the merged config to -config and exit")
	flag.Parse()

	cfg, err := comm.LoadConfig(*configPath)
	if err != nil {
		util.LogError("config: %v", err)
		os.Exit(1)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "link":
			cfg.Link.Type = *linkType
		case "addr":
			cfg.Link.Address = *addr
		case "status":
			cfg.StatusListen = *statusAddr
		case "debug":
			cfg.Debug = *debugMode
		}
	})
	if *listen != "" || *dest != 0 {
		p := comm.ProxyConfig{Listen: *listen, DestPort: uint16(*dest)}
		if len(cfg.Proxies) > 0 {
			if p.Listen == "" {
				p.Listen = cfg.Proxies[0].Listen
			}
			if p.DestPort == 0 {
				p.DestPort = cfg.Proxies[0].DestPort
			}
		}
		cfg.Proxies = []comm.ProxyConfig{p}
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("config: %v", err)
		os.Exit(1)
	}
	if *writeConfig {
		if err := comm.SaveConfig(*configPath, cfg); err != nil {
			util.LogError("write config: %v", err)
			os.Exit(1)
		}
		return
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("bclProxy v%s", version))
	pterm.Println()
	util.LogInfo("link %s %s", cfg.Link.Type, cfg.Link.Address)
	for _, p := range cfg.Proxies {
		util.LogInfo("proxy %s -> head unit port %d", p.Listen, p.DestPort)
	}

	runner := tunnel.NewRunner(tunnel.OptionsFromConfig(cfg))
	if cfg.StatusListen != "" {
		srv := status.NewServer(runner)
		if _, err := srv.Start(cfg.StatusListen); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		defer srv.Close()
	}

	if err := runner.Run(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bclProxy stopped")
}
