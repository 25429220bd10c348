// Command segserver serves lesion segmentation over gRPC and HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/inference"
	"github.com/banshee-data/lesionseg/internal/pointnet"
	"github.com/banshee-data/lesionseg/internal/runstore"
	"github.com/banshee-data/lesionseg/internal/server"
	"github.com/banshee-data/lesionseg/internal/version"
)

var (
	ckpt        = flag.String("ckpt", "", "checkpoint .npz; empty uses random parameters")
	grpcAddr    = flag.String("grpc", ":50051", "gRPC listen address; empty disables")
	httpAddr    = flag.String("http", ":8080", "HTTP listen address; empty disables")
	dbPath      = flag.String("db", "", "run store for /report, /debug/ and prediction logging")
	seed        = flag.Int64("seed", -1, "seed for sampling starts; negative draws fresh starts")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("segserver"))
		return
	}
	if *grpcAddr == "" && *httpAddr == "" {
		log.Fatal("at least one of -grpc and -http is required")
	}

	var opts inference.Options
	if *seed >= 0 {
		s := uint64(*seed)
		opts.Seed = &s
	}
	var store *runstore.Store
	if *dbPath != "" {
		var err error
		if store, err = runstore.Open(*dbPath); err != nil {
			log.Fatalf("open run store: %v", err)
		}
		defer store.Close()
		opts.Recorder = store
	}

	pred, err := inference.Open(fsutil.OSFileSystem{}, pointnet.DefaultConfig(), *ckpt, opts)
	if err != nil {
		log.Fatalf("load model: %v", err)
	}

	srv, err := server.New(server.Config{GRPCAddr: *grpcAddr, HTTPAddr: *httpAddr}, pred, store)
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP reloads the checkpoint in place.
	if *ckpt != "" {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				if err := pred.Reload(*ckpt); err != nil {
					log.Printf("reload failed: %v", err)
					continue
				}
				log.Printf("reloaded %s", *ckpt)
			}
		}()
	}

	if err := srv.Wait(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
