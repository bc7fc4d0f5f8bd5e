// Command sinkctl talks to the Control service of a running sink.
//
//	sinkctl [-addr localhost:7070] ping
//	sinkctl [-addr localhost:7070] pause
//	sinkctl [-addr localhost:7070] deploy pipeline.yml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	pb "mongosink/api/proto/v1"
	"mongosink/internal/transport"
)

func main() {
	addr := flag.String("addr", "localhost:7070", "control server address")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: sinkctl [-addr host:port] ping|pause|deploy <file>")
		os.Exit(2)
	}

	cl, err := transport.Dial(*addr)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch flag.Arg(0) {
	case "ping":
		rep, err := cl.Ping(ctx, &pb.PingRequest{})
		if err != nil {
			log.Fatalf("ping: %v", err)
		}
		fmt.Println(rep.GetStatus())
	case "pause":
		rep, err := cl.PausePipeline(ctx, &pb.PauseRequest{Id: "default"})
		if err != nil {
			log.Fatalf("pause: %v", err)
		}
		fmt.Println("ok:", rep.GetOk())
	case "deploy":
		if flag.NArg() < 2 {
			log.Fatal("deploy: missing pipeline file")
		}
		raw, err := os.ReadFile(flag.Arg(1))
		if err != nil {
			log.Fatalf("deploy: %v", err)
		}
		rep, err := cl.DeployPipeline(ctx, &pb.DeployRequest{Yaml: string(raw)})
		if err != nil {
			log.Fatalf("deploy: %v", err)
		}
		fmt.Println("deployed:", rep.GetId())
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
}
