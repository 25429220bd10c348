// Command train fits the segmentation network to labelled clouds, keeping
// the checkpoint with the best validation lesion IoU.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os/signal"
	"syscall"

	"github.com/banshee-data/lesionseg/internal/checkpoint"
	"github.com/banshee-data/lesionseg/internal/config"
	"github.com/banshee-data/lesionseg/internal/dataset"
	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/pointnet"
	"github.com/banshee-data/lesionseg/internal/runstore"
	"github.com/banshee-data/lesionseg/internal/train"
	"github.com/banshee-data/lesionseg/internal/version"
)

var (
	configPath  = flag.String("config", "", "training config (.json, .yaml or .yml); defaults apply to unset fields")
	dataRoot    = flag.String("data-root", "", "directory the list entries are relative to")
	trainList   = flag.String("train-list", "", "list of training archives")
	valList     = flag.String("val-list", "", "list of validation archives")
	batchSize   = flag.Int("batch-size", 0, "batch size")
	epochs      = flag.Int("epochs", 0, "number of epochs")
	lr          = flag.Float64("lr", 0, "Adam learning rate")
	saveDir     = flag.String("save-dir", "", "checkpoint and report directory")
	seed        = flag.Uint64("seed", 0, "seed for initialization, shuffling and augmentation")
	precision   = flag.String("precision", "", "checkpoint precision: float32 or float16")
	dbPath      = flag.String("db", "", "run store database; empty disables run tracking")
	showVersion = flag.Bool("version", false, "print version and exit")
)

// applyFlags copies explicitly set flags over the file config.
func applyFlags(cfg *config.TrainingConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-root":
			cfg.DataRoot = dataRoot
		case "train-list":
			cfg.TrainList = trainList
		case "val-list":
			cfg.ValList = valList
		case "batch-size":
			cfg.BatchSize = batchSize
		case "epochs":
			cfg.Epochs = epochs
		case "lr":
			cfg.LearningRate = lr
		case "save-dir":
			cfg.SaveDir = saveDir
		case "seed":
			cfg.Seed = seed
		case "precision":
			cfg.CheckpointPrecision = precision
		case "db":
			cfg.RunDB = dbPath
		}
	})
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("train"))
		return
	}

	cfg := config.DefaultTrainingConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTrainingConfig(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	prec, err := checkpoint.ParsePrecision(cfg.GetCheckpointPrecision())
	if err != nil {
		log.Fatal(err)
	}

	netCfg := pointnet.DefaultConfig()
	netCfg.NumPoints = cfg.GetNumPoints()
	netCfg.NumClasses = cfg.GetNumClasses()
	netCfg.Dropout = cfg.GetDropout()
	s := cfg.GetSeed()
	net, err := pointnet.NewNetwork(netCfg, rand.New(rand.NewPCG(s, s)))
	if err != nil {
		log.Fatal(err)
	}
	net.SetNormMomentum(float32(cfg.GetBNMomentum()))

	fsys := fsutil.OSFileSystem{}
	trainOpts := dataset.Options{NumPoints: netCfg.NumPoints, HasLabel: true}
	if cfg.GetAugment() {
		trainOpts.Augment = &dataset.Augmentation{Sigma: cfg.GetJitterSigma(), Clip: cfg.GetJitterClip()}
	}
	trainDS, err := dataset.Open(fsys, cfg.GetTrainList(), cfg.GetDataRoot(), trainOpts)
	if err != nil {
		log.Fatalf("train set: %v", err)
	}
	valDS, err := dataset.Open(fsys, cfg.GetValList(), cfg.GetDataRoot(), dataset.Options{NumPoints: netCfg.NumPoints, HasLabel: true})
	if err != nil {
		log.Fatalf("val set: %v", err)
	}
	log.Printf("train samples=%d val samples=%d", trainDS.Len(), valDS.Len())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr := &train.Trainer{
		Net:   net,
		Train: trainDS,
		Val:   valDS,
		FS:    fsys,
		Opts: train.Options{
			Epochs:    cfg.GetEpochs(),
			BatchSize: cfg.GetBatchSize(),
			Seed:      s,
			SaveDir:   cfg.GetSaveDir(),
			Precision: prec,
			Adam: train.AdamConfig{
				LR:      cfg.GetLearningRate(),
				Beta1:   cfg.GetBeta1(),
				Beta2:   cfg.GetBeta2(),
				Epsilon: cfg.GetAdamEpsilon(),
			},
		},
	}

	var store *runstore.Store
	if p := cfg.GetRunDB(); p != "" {
		if store, err = runstore.Open(p); err != nil {
			log.Fatalf("open run store: %v", err)
		}
		defer store.Close()
		cfgJSON, _ := json.Marshal(cfg)
		if tr.RunID, err = store.StartRun(ctx, string(cfgJSON)); err != nil {
			log.Fatalf("start run: %v", err)
		}
		tr.Recorder = store
		log.Printf("run %s", tr.RunID)
	}

	sum, runErr := tr.Run(ctx)
	if store != nil {
		st := runstore.StatusCompleted
		switch {
		case errors.Is(runErr, context.Canceled):
			st = runstore.StatusCancelled
		case runErr != nil:
			st = runstore.StatusFailed
		}
		// ctx may already be cancelled; the final update must still land.
		if err := store.FinishRun(context.Background(), tr.RunID, st, sum.CheckpointPath); err != nil {
			log.Printf("finish run: %v", err)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Fatalf("training failed: %v", runErr)
	}
	log.Printf("done: best epoch=%d val lesion IoU=%.4f", sum.BestEpoch, sum.BestIoU)
}
