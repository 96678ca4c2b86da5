// Runs a standalone Mainline DHT node: binds a UDP socket, bootstraps
// against the configured routers, and answers queries indefinitely.
//
// There is a builtin web server exposing debugging stats from
// http://localhost:8711/debug/vars.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"mldht"
	"mldht/logger"
)

const httpPortTCP = 8711

func main() {
	cfg := mldht.NewConfig()
	mldht.RegisterFlags(flag.CommandLine, cfg)
	debugHTTP := flag.Bool("debug-http", true, "serve /debug/vars stats over HTTP")
	flag.Parse()

	log := logger.NewLogrus(nil)

	node, err := mldht.New(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mldht: failed to create node: %v\n", err)
		os.Exit(1)
	}

	if *debugHTTP {
		go func() {
			addr := fmt.Sprintf(":%d", httpPortTCP)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("mldht: debug HTTP server stopped: %v", err)
			}
		}()
	}

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "mldht: failed to start node: %v\n", err)
		os.Exit(1)
	}
	defer node.Stop()

	log.Infof("mldht: node %s listening on UDP port %d", node.ID(), node.Port())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	node.BootstrapFromConfig(ctx)
	log.Infof("mldht: bootstrap complete, routing table has %d nodes", node.RoutingTableSize())

	select {}
}
