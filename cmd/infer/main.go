// Command infer labels one preprocessed cloud and writes the per-point
// label dump plus a debug archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/inference"
	"github.com/banshee-data/lesionseg/internal/monitoring"
	"github.com/banshee-data/lesionseg/internal/pointnet"
	"github.com/banshee-data/lesionseg/internal/runstore"
	"github.com/banshee-data/lesionseg/internal/server"
	"github.com/banshee-data/lesionseg/internal/version"
)

func main() {
	var (
		ckpt        string
		inputNPZ    string
		outDir      string
		outBin      string
		seed        int64
		dbPath      string
		remote      string
		showVersion bool
	)
	flag.StringVar(&ckpt, "ckpt", "", "checkpoint .npz; empty uses random parameters (I/O test)")
	flag.StringVar(&inputNPZ, "input-npz", "", "input .npz with xyz (8192,3) (required)")
	flag.StringVar(&outDir, "out-dir", "outputs/preds", "output directory")
	flag.StringVar(&outBin, "out-bin", "", "explicit label .bin path (overrides -out-dir)")
	flag.Int64Var(&seed, "seed", -1, "seed for sampling starts; negative draws fresh starts")
	flag.StringVar(&dbPath, "db", "", "optional run store to log the prediction in")
	flag.StringVar(&remote, "server", "", "segserver HTTP base URL; when set the cloud is labelled remotely")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.String("infer"))
		return
	}
	if inputNPZ == "" {
		log.Fatal("-input-npz is required")
	}

	fsys := fsutil.OSFileSystem{}
	if remote != "" {
		inferRemote(fsys, remote, inputNPZ, outDir, outBin)
		return
	}

	var opts inference.Options
	if seed >= 0 {
		s := uint64(seed)
		opts.Seed = &s
	}
	if dbPath != "" {
		store, err := runstore.Open(dbPath)
		if err != nil {
			log.Fatalf("open run store: %v", err)
		}
		defer store.Close()
		opts.Recorder = store
	}

	pred, err := inference.Open(fsys, pointnet.DefaultConfig(), ckpt, opts)
	if err != nil {
		log.Fatalf("load model: %v", err)
	}

	body, err := fsys.ReadFile(inputNPZ)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	res, err := pred.Segment(context.Background(), body, monitoring.TransportCLI, inputNPZ)
	if err != nil {
		log.Fatalf("%s: %v", inputNPZ, err)
	}

	save(fsys, inputNPZ, outDir, outBin, res)
}

// inferRemote posts the cloud to a running segserver.
func inferRemote(fsys fsutil.FileSystem, baseURL, inputNPZ, outDir, outBin string) {
	body, err := fsys.ReadFile(inputNPZ)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	pts, _, err := inference.DecodeCloud(body, pointnet.NumPoints)
	if err != nil {
		log.Fatalf("%s: %v", inputNPZ, err)
	}
	start := time.Now()
	labels, lesion, err := server.NewHTTPClient(baseURL, nil).Predict(context.Background(), body, inputNPZ)
	if err != nil {
		log.Fatal(err)
	}
	save(fsys, inputNPZ, outDir, outBin, inference.Result{
		Points:       pts,
		Labels:       labels,
		LesionPoints: lesion,
		Duration:     time.Since(start),
	})
}

func save(fsys fsutil.FileSystem, inputNPZ, outDir, outBin string, res inference.Result) {
	binPath, npzPath := inference.OutputPaths(inputNPZ, outDir, outBin)
	if err := inference.WriteResult(fsys, binPath, npzPath, res); err != nil {
		log.Fatalf("write outputs: %v", err)
	}
	log.Printf("Saved: %s  len=%d", binPath, len(res.Labels))
	log.Printf("Saved: %s", npzPath)
	log.Printf("lesion points: %d of %d (%s)", res.LesionPoints, len(res.Labels), res.Duration)
}
