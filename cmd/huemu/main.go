// huemu plays the head unit end of a BCL link for bench testing. It accepts
// links on a TCP address or as a BlueZ RFCOMM profile and bridges
// sub-connections to TCP targets.
//
//	huemu -listen 127.0.0.1:7500 -target 4004=127.0.0.1:4004
//	huemu -rfcomm -channel 3 -target 4004=10.0.0.2:4004 -socks5 127.0.0.1:1080
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"

	"dosgo/bclProxy/comm"
	"dosgo/bclProxy/comm/server"
	"dosgo/bclProxy/util"
)

// targetList collects repeated -target port=host:port flags.
type targetList map[uint16]string

func (l targetList) String() string {
	parts := make([]string, 0, len(l))
	for port, addr := range l {
		parts = append(parts, fmt.Sprintf("%d=%s", port, addr))
	}
	return strings.Join(parts, ",")
}

func (l targetList) Set(v string) error {
	port, addr, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("want port=host:port, got %q", v)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("bad port %q", port)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	l[uint16(n)] = addr
	return nil
}

type acceptor interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
}

type tcpAcceptor struct{ ln net.Listener }

func (a tcpAcceptor) Accept() (io.ReadWriteCloser, error) { return a.ln.Accept() }
func (a tcpAcceptor) Close() error                        { return a.ln.Close() }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := server.DefaultConfig()
	targets := targetList{}
	listen := flag.String("listen", "127.0.0.1:7500", "TCP address to accept links on")
	rfcomm := flag.Bool("rfcomm", false, "Accept links as a BlueZ RFCOMM profile instead of TCP")
	channel := flag.Int("channel", 0, "RFCOMM channel for -rfcomm")
	serviceUUID := flag.String("uuid", comm.SerialPortUUID, "Service UUID for -rfcomm")
	version := flag.Uint("version", uint(cfg.Version), "Protocol version to announce")
	instance := flag.Uint("instance", uint(cfg.InstanceID), "Instance id to announce")
	socks5 := flag.String("socks5", "", "Dial targets through this SOCKS5 server")
	mute := flag.Bool("mute-watchdog", false, "Do not answer watchdog pings")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Var(targets, "target", "Bridge dest port to host:port (repeatable)")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}
	cfg.Version = uint16(*version)
	cfg.InstanceID = uint16(*instance)
	cfg.Targets = targets
	cfg.SOCKS5 = *socks5
	cfg.MuteWatchdog = *mute

	var acc acceptor
	if *rfcomm {
		l, err := comm.ListenRFCOMM(*serviceUUID, *channel)
		if err != nil {
			util.LogError("rfcomm: %v", err)
			os.Exit(1)
		}
		acc = l
	} else {
		ln, err := net.Listen("tcp", *listen)
		if err != nil {
			util.LogError("listen %s: %v", *listen, err)
			os.Exit(1)
		}
		acc = tcpAcceptor{ln}
	}
	context.AfterFunc(ctx, func() { acc.Close() })

	pterm.Info.Println(fmt.Sprintf("huemu v%d instance %d, targets %s", cfg.Version, cfg.InstanceID, targets))
	for {
		link, err := acc.Accept()
		if err != nil {
			if ctx.Err() != nil {
				util.LogInfo("huemu stopped")
				return
			}
			util.LogError("accept: %v", err)
			os.Exit(1)
		}
		go serve(link, cfg)
	}
}

func serve(link io.ReadWriteCloser, cfg server.Config) {
	h, err := server.NewHeadUnit(link, cfg)
	if err != nil {
		util.LogError("%v", err)
		link.Close()
		return
	}
	defer h.Close()
	util.LogInfo("link accepted")
	if err := h.Serve(); err != nil {
		util.LogWarning("link ended: %v", err)
	}
	util.LogInfo("link closed, stats %+v", h.Stats())
}
