// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// paramsync-sim runs an in-process simulation of a data-parallel training
// job synchronized with the paramsync protocol: N workers over one in-memory
// block-store fabric, each round depositing local gradient shards, reducing
// them locally, exchanging compressed gradient shards, applying a plain SGD
// step to the owned weight slice, republishing it and reconstructing the
// full parameter. After every round it checks that all workers agree on the
// parameter vector.
//
// The "gradients" are random noise -- the point is to exercise the protocol
// end to end and measure its traffic, not to learn anything.
package main

import (
	"flag"
	"fmt"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/paramsync"
	"github.com/gomlx/paramsync/blockstore"
	"github.com/gomlx/paramsync/codec"
	"github.com/gomlx/paramsync/directory"
)

var (
	flagWorkers       = flag.Int("workers", 4, "Number of simulated workers.")
	flagSize          = flag.Int("size", 100_000, "Number of elements of the global parameter vector.")
	flagRounds        = flag.Int("rounds", 20, "Number of training rounds to simulate.")
	flagShards        = flag.Int("shards", 3, "Local gradient shards deposited per worker per round.")
	flagIOParallelism = flag.Int("io_parallelism", paramsync.DefaultIOParallelism, "Concurrent block-store operations per worker.")
	flagLearningRate  = flag.Float64("learning_rate", 0.01, "SGD learning rate applied by each owner.")
	flagSeed          = flag.Int64("seed", 42, "Random seed for the initial parameter and the fake gradients.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	numWorkers, size, numRounds := *flagWorkers, *flagSize, *flagRounds
	jobID := uuid.NewString()
	fmt.Printf("job %s: %d workers, %d rounds, vector of %s elements (%s at full precision, %s compressed)\n",
		jobID, numWorkers, numRounds, humanize.Comma(int64(size)),
		humanize.Bytes(uint64(size*codec.Float32Width)), humanize.Bytes(uint64(size*codec.Width)))

	rng := rand.New(rand.NewSource(*flagSeed))
	fabric := blockstore.NewFabric(numWorkers)
	dir := directory.NewMemory()
	syncs := make([]*paramsync.Synchronizer, numWorkers)
	for w := range syncs {
		syncs[w] = must.M1(paramsync.New(paramsync.Config{
			WorkerID:      w,
			NumWorkers:    numWorkers,
			Size:          size,
			IOParallelism: *flagIOParallelism,
		}, fabric.Node(w), dir))
	}

	parameter := make([]float32, size)
	for i := range parameter {
		parameter[i] = rng.Float32() - 0.5
	}
	for _, s := range syncs {
		must.M(s.Init(parameter))
	}

	views := make([][]float32, numWorkers)
	for w := range views {
		views[w] = make([]float32, size)
	}

	// Nominal cross-worker traffic: each round every worker publishes its
	// compressed gradient split (size*Width bytes) and fetches all
	// compressed weight slices (size*Width bytes).
	wireBytesPerRound := uint64(2 * numWorkers * size * codec.Width)

	bar := progressbar.Default(int64(numRounds), "rounds")
	for round := 0; round < numRounds; round++ {
		for w := 0; w < numWorkers; w++ {
			for shard := 0; shard < *flagShards; shard++ {
				values := make([]float32, size)
				for i := range values {
					values[i] = (rng.Float32() - 0.5) / 8
				}
				key := fmt.Sprintf("sim_%d_round%d_shard%d", w, round, shard)
				must.M(fabric.Node(w).PutLocal(key, codec.PackFloat32s(values), blockstore.DurabilityMemory))
				dir.RecordShard(w, key)
			}
		}

		for w, s := range syncs {
			localGradient := must.M1(s.AggregateLocalGradient(size))
			must.M(s.PublishGradientShards(localGradient))
			klog.V(2).Infof("round %d: worker %d published its gradient split", round, w)
		}

		for _, s := range syncs {
			reduced := must.M1(s.AggregateCrossWorkerGradient())
			weight := must.M1(s.OwnedWeight())
			for i := range weight {
				weight[i] -= float32(*flagLearningRate) * reduced[i]
			}
			must.M(s.PublishWeightShare(weight))
		}

		pendings := make([]*paramsync.Pending, numWorkers)
		for w, s := range syncs {
			pendings[w] = s.ReconstructParameterAsync(views[w])
		}
		for _, pending := range pendings {
			must.M(pending.Wait())
		}

		verifyAgreement(round, views)
		_ = bar.Add(1)
	}

	fmt.Printf("done: %d rounds, ~%s moved across workers (vs ~%s uncompressed)\n",
		numRounds,
		humanize.Bytes(wireBytesPerRound*uint64(numRounds)),
		humanize.Bytes(2*wireBytesPerRound*uint64(numRounds)))
}

// verifyAgreement aborts the simulation if any two workers disagree on the
// parameter by more than a couple of float16 roundings.
func verifyAgreement(round int, views [][]float32) {
	const tolerance = 1.0 / (1 << 9)
	for w := 1; w < len(views); w++ {
		for i := range views[w] {
			diff := views[0][i] - views[w][i]
			if diff < -tolerance || diff > tolerance {
				klog.Exitf("round %d: workers 0 and %d diverged at element %d: %g vs %g",
					round, w, i, views[0][i], views[w][i])
			}
		}
	}
}
