// Command lrgb trains and evaluates graph neural networks on long-range
// graph benchmarks.
//
// The model, dataset and every other hyperparameter are selected with the
// --set flag, e.g.:
//
//	lrgb --set "model=gat;dataset=Peptides-func;num_epochs=250"
//
// See lrgb.CreateDefaultContext for the available hyperparameters and their
// default values.
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/graphbench/lrgb"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/lrgb", "Directory to cache downloaded and generated dataset files.")

	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to save and load checkpoints from, relative to --data. "+
			"A second directory with the suffix \"-best\" holds the weights with the best "+
			"validation metric. If left empty, no checkpoints are created.")

	flagResults = flag.String("results", "",
		"Directory where per-epoch validation results (train.txt) and the final test "+
			"results (test.txt) are appended. If left empty, no results files are written.")

	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := lrgb.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Fatalf("Invalid --set flag: %+v", err)
	}
	err = exceptions.TryCatch[error](func() {
		lrgb.Train(ctx, *flagDataDir, *flagCheckpoint, *flagResults, *flagVerbosity, paramsSet)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
