package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cbeuw/Websock/internal/common"
	"github.com/cbeuw/Websock/internal/httpd"
	"github.com/cbeuw/Websock/internal/server"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var config string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&config, "c", "server.json", "config: path to the configuration file or its content")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	genHash := flag.Bool("hash", false, "Read an admin password from STDIN and print its bcrypt hash for AdminPasswordHash")

	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")

	flag.Parse()

	if *askVersion {
		fmt.Printf("wsk-server %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}
	if *genHash {
		hash, err := hashPassword(os.Stdin)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(hash)
		return
	}

	if *pprofAddr != "" {
		runtime.SetBlockProfileRate(5)
		go func() {
			log.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
		log.Infof("pprof listening on %v", *pprofAddr)
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	raw, err := server.ParseConfig(config)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	sta, err := server.InitState(raw, common.RealWorldState)
	if err != nil {
		log.Fatalf("unable to initialise server state: %v", err)
	}

	bindAddr := sta.BindAddr
	if len(bindAddr) == 0 {
		httpAddr, _ := net.ResolveTCPAddr("tcp", ":80")
		bindAddr = []net.Addr{httpAddr}
	}

	if sta.AdminAddr != "" {
		go func() {
			log.Infof("Admin API listening on %v", sta.AdminAddr)
			log.Fatal(http.ListenAndServe(sta.AdminAddr, sta.AdminRouter))
		}()
	}

	for _, addr := range bindAddr {
		l, err := net.Listen("tcp", addr.String())
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("Listening on %v", l.Addr())
		go func() {
			if err := sta.Serve(l); err != httpd.ErrInstanceClosed {
				log.Error(err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	log.Infof("received %v, shutting down", <-sig)
	if err := sta.Close(); err != nil {
		log.Error(err)
	}
}
