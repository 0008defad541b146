// mwvit-train trains a small multi-way vision transformer to segment bright
// blobs on a synthetic dataset. It exercises the whole stack end to end:
// patch embedding, the multi-way encoder, the pixel-shuffle segmentation head
// and the structure loss.
package main

import (
	"flag"
	"fmt"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/vitcraft/mwvit/model"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save checkpoints to; empty disables checkpointing.")
	flagSteps      = flag.Int("steps", 500, "Number of training steps.")
	flagBatchSize  = flag.Int("batch_size", 16, "Training batch size.")
	flagNumTrain   = flag.Int("num_train", 512, "Number of synthetic training samples.")
	flagNumEval    = flag.Int("num_eval", 128, "Number of synthetic evaluation samples.")
	flagSeed       = flag.Int64("seed", 42, "Seed of the synthetic data generator.")
)

var excludeParams = []string{"train_steps", "num_checkpoints"}

// createContext sets the default hyperparameters.
func createContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"train_steps":     *flagSteps,
		"batch_size":      *flagBatchSize,
		"eval_batch_size": 4 * *flagBatchSize,
		"num_checkpoints": 3,

		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// makeBlobs generates images with one bright disk each over dim background
// noise, and the matching binary masks.
func makeBlobs(rng *rand.Rand, numSamples int, cfg model.Config) (images, masks *tensors.Tensor) {
	size := cfg.ImageSize
	imagesData := make([]float32, numSamples*size*size*cfg.InputChannels)
	masksData := make([]float32, numSamples*size*size)
	for sample := 0; sample < numSamples; sample++ {
		centerX := float64(size/4 + rng.Intn(size/2))
		centerY := float64(size/4 + rng.Intn(size/2))
		radius := float64(5 + rng.Intn(7))
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx, dy := float64(x)-centerX, float64(y)-centerY
				inside := dx*dx+dy*dy <= radius*radius
				pixel := (sample*size+y)*size + x
				for c := 0; c < cfg.InputChannels; c++ {
					value := 0.1 * rng.Float32()
					if inside {
						value = 0.8 + 0.2*rng.Float32()
					}
					imagesData[pixel*cfg.InputChannels+c] = value
				}
				if inside {
					masksData[pixel] = 1
				}
			}
		}
	}
	images = tensors.FromFlatDataAndDimensions(imagesData, numSamples, size, size, cfg.InputChannels)
	masks = tensors.FromFlatDataAndDimensions(masksData, numSamples, size, size, 1)
	return
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx := createContext()
	backend := backends.MustNew()

	cfg := model.DefaultConfig()
	m := must.M1(model.New(cfg))

	rng := rand.New(rand.NewSource(*flagSeed))
	trainImages, trainMasks := makeBlobs(rng, *flagNumTrain, cfg)
	evalImages, evalMasks := makeBlobs(rng, *flagNumEval, cfg)

	batchSize := context.GetParamOr(ctx, "batch_size", 16)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 64)
	trainDS := must.M1(data.InMemoryFromData(backend, "blobs_train", []any{trainImages}, []any{trainMasks}))
	trainEvalDS := trainDS.Copy().BatchSize(evalBatchSize, false)
	trainDS.Shuffle().Infinite(true).BatchSize(batchSize, true)
	validationDS := must.M1(data.InMemoryFromData(backend, "blobs_validation", []any{evalImages}, []any{evalMasks}))
	validationDS.BatchSize(evalBatchSize, false)

	accuracyMetric := metrics.NewMeanBinaryLogitsAccuracy("Pixel Accuracy", "#acc")

	trainer := train.NewTrainer(backend, ctx,
		m.SegmenterGraph,
		model.StructureLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{accuracyMetric})

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(*flagCheckpoint, *flagCheckpoint).
			Keep(numCheckpointsToKeep).
			ExcludeParams(excludeParams...).
			Done())
		klog.Infof("Checkpointing model to %q", checkpoint.Dir())
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	} else {
		klog.Infof("target train_steps=%d already reached", numTrainSteps)
	}
	fmt.Printf("Model parameters: %s\n", humanize.Comma(int64(ctx.NumParameters())))

	fmt.Println()
	must.M(commandline.ReportEval(trainer, trainEvalDS, validationDS))
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}
}
