// Command preprocess converts a raw .xyz text cloud into the fixed-size
// .npz archive the network consumes, plus a text copy of the sampled
// points for the external viewer.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/pointio"
	"github.com/banshee-data/lesionseg/internal/version"
)

func main() {
	var (
		xyzPath     string
		outNPZ      string
		outDir      string
		seed        uint64
		numPoints   int
		showVersion bool
	)
	flag.StringVar(&xyzPath, "xyz", "", "input .xyz text cloud (required)")
	flag.StringVar(&outNPZ, "out-npz", "", "output .npz path; the text copy is written beside it")
	flag.StringVar(&outDir, "out-dir", "", "output directory for demo_case.npz when -out-npz is not given")
	flag.Uint64Var(&seed, "seed", pointio.DefaultSeed, "sampling seed")
	flag.IntVar(&numPoints, "n", pointio.TargetPoints, "points per cloud")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.String("preprocess"))
		return
	}
	if xyzPath == "" {
		log.Fatal("-xyz is required")
	}
	npzPath, txtPath, err := pointio.PreprocessPaths(outNPZ, outDir, numPoints)
	if err != nil {
		log.Fatalf("%v (use -out-npz or -out-dir)", err)
	}

	fsys := fsutil.OSFileSystem{}
	n, err := pointio.Preprocess(fsys, xyzPath, npzPath, txtPath, numPoints, seed)
	if err != nil {
		log.Fatalf("preprocess failed: %v", err)
	}
	log.Printf("read %d points from %s", n, xyzPath)
	log.Printf("Saved: %s  xyz.shape=(%d, 3)", npzPath, numPoints)
	log.Printf("Saved: %s  xyz.shape=(%d, 3)", txtPath, numPoints)
}
