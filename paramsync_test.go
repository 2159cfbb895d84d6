// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramsync

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/paramsync/blockstore"
	"github.com/gomlx/paramsync/codec"
	"github.com/gomlx/paramsync/directory"
	"github.com/gomlx/paramsync/partition"
)

// cluster bundles the external collaborators and one Synchronizer per worker
// for an in-process job.
type cluster struct {
	fabric *blockstore.Fabric
	dir    *directory.Memory
	syncs  []*Synchronizer
}

func newCluster(t *testing.T, size, numWorkers int, tweak func(*Config)) *cluster {
	c := &cluster{
		fabric: blockstore.NewFabric(numWorkers),
		dir:    directory.NewMemory(),
		syncs:  make([]*Synchronizer, numWorkers),
	}
	for w := 0; w < numWorkers; w++ {
		cfg := Config{WorkerID: w, NumWorkers: numWorkers, Size: size}
		if tweak != nil {
			tweak(&cfg)
		}
		var err error
		c.syncs[w], err = New(cfg, c.fabric.Node(w), c.dir)
		require.NoError(t, err)
	}
	return c
}

func (c *cluster) initAll(t *testing.T, parameter []float32) {
	for _, s := range c.syncs {
		require.NoError(t, s.Init(parameter))
	}
}

// depositShard stores a local gradient shard on worker's node and registers
// it with the directory, the way the data-loading side would.
func (c *cluster) depositShard(t *testing.T, worker int, name string, values []float32) {
	key := fmt.Sprintf("task_%d_%s", worker, name)
	require.NoError(t, c.fabric.Node(worker).PutLocal(key, codec.PackFloat32s(values), blockstore.DurabilityMemory))
	c.dir.RecordShard(worker, key)
}

// fp16Exact returns values drawn from small integers, which survive the
// float16 round trip bit-exactly, keeping protocol tests free of rounding
// slack.
func fp16Exact(rng *rand.Rand, n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(rng.Intn(64) - 32)
	}
	return values
}

func TestNewValidation(t *testing.T) {
	store, dir := blockstore.NewMemory(), directory.NewMemory()
	_, err := New(Config{WorkerID: 0, NumWorkers: 0, Size: 4}, store, dir)
	require.ErrorIs(t, err, ErrRange)
	_, err = New(Config{WorkerID: 3, NumWorkers: 3, Size: 4}, store, dir)
	require.ErrorIs(t, err, ErrRange)
	_, err = New(Config{WorkerID: -1, NumWorkers: 3, Size: 4}, store, dir)
	require.ErrorIs(t, err, ErrRange)
	_, err = New(Config{WorkerID: 0, NumWorkers: 3, Size: -1}, store, dir)
	require.ErrorIs(t, err, ErrRange)
}

func TestInitSeedsState(t *testing.T) {
	const size, numWorkers = 10, 3
	c := newCluster(t, size, numWorkers, nil)
	s := c.syncs[1] // Owns [4, 7).
	require.Equal(t, partition.Range{Start: 4, Length: 3}, s.OwnedRange())

	// Everything fails with ErrUninitialized before Init.
	_, err := s.OwnedWeight()
	require.ErrorIs(t, err, ErrUninitialized)
	_, err = s.OwnedGradient()
	require.ErrorIs(t, err, ErrUninitialized)
	_, err = s.Parameter()
	require.ErrorIs(t, err, ErrUninitialized)
	_, err = s.AggregateCrossWorkerGradient()
	require.ErrorIs(t, err, ErrUninitialized)
	require.ErrorIs(t, s.PublishWeightShare(make([]float32, 3)), ErrUninitialized)

	parameter := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.NoError(t, s.Init(parameter))

	weight, err := s.OwnedWeight()
	require.NoError(t, err)
	require.Equal(t, []float32{4, 5, 6}, weight)

	gradient, err := s.OwnedGradient()
	require.NoError(t, err)
	require.Equal(t, make([]float32, 3), gradient)

	full, err := s.Parameter()
	require.NoError(t, err)
	require.Equal(t, parameter, full)

	// Init published the compressed slice for peers.
	block, ok := c.fabric.Node(1).GetLocal(WeightSliceKey(1).String())
	require.True(t, ok)
	require.Len(t, block, 3*codec.Width)
}

func TestAggregateLocalGradient(t *testing.T) {
	const size, numShards = 23, 5
	rng := rand.New(rand.NewSource(3))

	// The local reduce must give the elementwise shard sum whatever the CPU
	// pool size, including one larger than the vector.
	for _, cpuParallelism := range []int{1, 4, size + 10} {
		t.Run(fmt.Sprintf("cpuParallelism=%d", cpuParallelism), func(t *testing.T) {
			c := newCluster(t, size, 2, func(cfg *Config) { cfg.CPUParallelism = cpuParallelism })

			want := make([]float64, size)
			for shard := 0; shard < numShards; shard++ {
				values := make([]float32, size)
				wide := make([]float64, size)
				for i := range values {
					values[i] = rng.Float32() - 0.5
					wide[i] = float64(values[i])
				}
				c.depositShard(t, 0, fmt.Sprintf("shard%d", shard), values)
				floats.Add(want, wide)
			}

			got, err := c.syncs[0].AggregateLocalGradient(size)
			require.NoError(t, err)
			require.Len(t, got, size)
			for i := range got {
				require.InDelta(t, want[i], float64(got[i]), 1e-4, "element %d", i)
			}

			// Bookkeeping is retired: a second reduce has nothing to work on.
			_, err = c.syncs[0].AggregateLocalGradient(size)
			require.ErrorIs(t, err, ErrMissingBlock)
		})
	}
}

func TestAggregateLocalGradientDeterministicAcrossPoolSizes(t *testing.T) {
	// Same shards, different CPU pool sizes: bit-identical result, because
	// the per-element summation order is fixed by shard index.
	const size, numShards = 101, 7
	rng := rand.New(rand.NewSource(8))
	shards := make([][]float32, numShards)
	for i := range shards {
		shards[i] = make([]float32, size)
		for j := range shards[i] {
			shards[i][j] = rng.Float32()*2 - 1
		}
	}

	var reference []float32
	for _, cpuParallelism := range []int{1, 3, 16, size * 2} {
		c := newCluster(t, size, 1, func(cfg *Config) { cfg.CPUParallelism = cpuParallelism })
		for i, shard := range shards {
			c.depositShard(t, 0, fmt.Sprintf("shard%d", i), shard)
		}
		got, err := c.syncs[0].AggregateLocalGradient(size)
		require.NoError(t, err)
		if reference == nil {
			reference = got
		} else {
			require.Equal(t, reference, got, "cpuParallelism=%d changed the result", cpuParallelism)
		}
	}
}

func TestAggregateLocalGradientMissingShard(t *testing.T) {
	c := newCluster(t, 8, 1, nil)
	c.depositShard(t, 0, "ok", make([]float32, 8))
	// Recorded in the directory but never stored: the reduce must abort.
	c.dir.RecordShard(0, "task_0_never_stored")
	_, err := c.syncs[0].AggregateLocalGradient(8)
	require.ErrorIs(t, err, ErrMissingBlock)
}

func TestCrossWorkerGradientReduce(t *testing.T) {
	const size, numWorkers = 10, 3
	rng := rand.New(rand.NewSource(11))
	c := newCluster(t, size, numWorkers, nil)
	c.initAll(t, make([]float32, size))

	// Every worker publishes shards of its own full-size local gradient.
	gradients := make([][]float32, numWorkers)
	for w := 0; w < numWorkers; w++ {
		gradients[w] = fp16Exact(rng, size)
		require.NoError(t, c.syncs[w].PublishGradientShards(gradients[w]))
	}

	// Every owner's reduced slice equals the elementwise sum of all workers'
	// contributions over its range -- exactly, because the values are
	// fp16-exact small integers.
	for w := 0; w < numWorkers; w++ {
		reduced, err := c.syncs[w].AggregateCrossWorkerGradient()
		require.NoError(t, err)
		r := c.syncs[w].OwnedRange()
		require.Len(t, reduced, r.Length)
		for i := 0; i < r.Length; i++ {
			var want float32
			for _, gradient := range gradients {
				want += gradient[r.Start+i]
			}
			require.Equal(t, want, reduced[i], "worker %d element %d", w, i)
		}

		// The accumulator is also readable through the local-gradient block.
		stored, err := c.syncs[w].OwnedGradient()
		require.NoError(t, err)
		require.Equal(t, reduced, stored)
	}
}

func TestCrossWorkerGradientReduceArrivalOrderInvariance(t *testing.T) {
	// The reduce must not depend on fetch completion order: vary the I/O
	// parallelism (1 serializes fetches, larger values race them) and the
	// publication order, and demand bit-identical results.
	const size, numWorkers = 57, 4
	rng := rand.New(rand.NewSource(23))
	gradients := make([][]float32, numWorkers)
	for w := range gradients {
		gradients[w] = make([]float32, size)
		for i := range gradients[w] {
			gradients[w][i] = rng.Float32()*10 - 5
		}
	}

	var reference []float32
	for trial, ioParallelism := range []int{1, 2, numWorkers, 16} {
		c := newCluster(t, size, numWorkers, func(cfg *Config) { cfg.IOParallelism = ioParallelism })
		c.initAll(t, make([]float32, size))
		order := rand.New(rand.NewSource(int64(trial))).Perm(numWorkers)
		for _, w := range order {
			require.NoError(t, c.syncs[w].PublishGradientShards(gradients[w]))
		}
		reduced, err := c.syncs[1].AggregateCrossWorkerGradient()
		require.NoError(t, err)
		if reference == nil {
			reference = reduced
		} else {
			require.Equal(t, reference, reduced, "ioParallelism=%d changed the result", ioParallelism)
		}
	}
}

func TestCrossWorkerGradientMissingPeer(t *testing.T) {
	const size, numWorkers = 10, 3
	c := newCluster(t, size, numWorkers, nil)
	c.initAll(t, make([]float32, size))

	// Only workers 0 and 2 publish; worker 1's shard is missing everywhere.
	require.NoError(t, c.syncs[0].PublishGradientShards(make([]float32, size)))
	require.NoError(t, c.syncs[2].PublishGradientShards(make([]float32, size)))

	_, err := c.syncs[0].AggregateCrossWorkerGradient()
	require.ErrorIs(t, err, ErrMissingBlock)

	// The failed round must not have corrupted the accumulator.
	gradient, err := c.syncs[0].OwnedGradient()
	require.NoError(t, err)
	require.Equal(t, make([]float32, c.syncs[0].OwnedRange().Length), gradient)
}

func TestCrossWorkerGradientFormatMismatch(t *testing.T) {
	const size, numWorkers = 10, 2
	c := newCluster(t, size, numWorkers, nil)
	c.initAll(t, make([]float32, size))
	require.NoError(t, c.syncs[0].PublishGradientShards(make([]float32, size)))
	require.NoError(t, c.syncs[1].PublishGradientShards(make([]float32, size)))

	// Corrupt peer 1's shard for worker 0 with a wrong-length block.
	key := GradientShardKey(1, 0).String()
	require.NoError(t, c.fabric.Node(1).PutLocal(key, []byte{1, 2, 3}, blockstore.DurabilityMemory))

	_, err := c.syncs[0].AggregateCrossWorkerGradient()
	require.ErrorIs(t, err, codec.ErrFormatMismatch)
}

func TestReconstructParameter(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	for _, tc := range []struct{ size, numWorkers int }{
		{10, 3}, // Ranges of length 4, 3, 3.
		{3, 5},  // Three ranges of length 1, two empty.
	} {
		t.Run(fmt.Sprintf("size=%d/workers=%d", tc.size, tc.numWorkers), func(t *testing.T) {
			c := newCluster(t, tc.size, tc.numWorkers, nil)
			initial := fp16Exact(rng, tc.size)
			c.initAll(t, initial)

			// Each owner updates and publishes its slice.
			want := make([]float32, tc.size)
			for w := 0; w < tc.numWorkers; w++ {
				r := c.syncs[w].OwnedRange()
				updated := fp16Exact(rng, r.Length)
				copy(want[r.Start:r.End()], updated)
				require.NoError(t, c.syncs[w].PublishWeightShare(updated))
			}

			// Every worker reconstructs the identical concatenation, in
			// partition order.
			for w := 0; w < tc.numWorkers; w++ {
				got := make([]float32, tc.size)
				require.NoError(t, c.syncs[w].ReconstructParameter(got))
				require.Equal(t, want, got, "worker %d", w)

				full, err := c.syncs[w].Parameter()
				require.NoError(t, err)
				require.Equal(t, want, full)
			}

			// No advisory read locks left behind by the remote fetches.
			for n := 0; n < tc.numWorkers; n++ {
				require.Equal(t, 0, c.fabric.Node(n).NumLockedBlocks(), "node %d", n)
			}
		})
	}
}

func TestReconstructMissingSlice(t *testing.T) {
	const size, numWorkers = 10, 3
	c := newCluster(t, size, numWorkers, nil)
	// Workers 0 and 1 initialize (and thereby publish); worker 2 never does.
	require.NoError(t, c.syncs[0].Init(make([]float32, size)))
	require.NoError(t, c.syncs[1].Init(make([]float32, size)))

	err := c.syncs[0].ReconstructParameter(make([]float32, size))
	require.ErrorIs(t, err, ErrMissingBlock)
}

func TestReconstructFormatMismatch(t *testing.T) {
	const size, numWorkers = 10, 3
	c := newCluster(t, size, numWorkers, nil)
	c.initAll(t, make([]float32, size))

	// Overwrite worker 2's published slice with a block of the wrong length
	// (also an odd byte count, which no element count can explain).
	require.NoError(t, c.fabric.Node(2).PutLocal(WeightSliceKey(2).String(), make([]byte, 5), blockstore.DurabilityMemory))

	err := c.syncs[0].ReconstructParameter(make([]float32, size))
	require.ErrorIs(t, err, codec.ErrFormatMismatch)
}

func TestPublishWeightShareValidatesLength(t *testing.T) {
	const size, numWorkers = 10, 3
	c := newCluster(t, size, numWorkers, nil)
	c.initAll(t, make([]float32, size))
	require.ErrorIs(t, c.syncs[0].PublishWeightShare(make([]float32, size)), ErrRange)
}

func TestPublishWeightShareIdempotent(t *testing.T) {
	const size, numWorkers = 10, 3
	rng := rand.New(rand.NewSource(5))
	c := newCluster(t, size, numWorkers, nil)
	c.initAll(t, make([]float32, size))

	for w := 0; w < numWorkers; w++ {
		r := c.syncs[w].OwnedRange()
		updated := fp16Exact(rng, r.Length)
		require.NoError(t, c.syncs[w].PublishWeightShare(updated))
		once := make([]float32, size)
		require.NoError(t, c.syncs[w].ReconstructParameter(once))

		// Publishing the identical slice again changes nothing.
		require.NoError(t, c.syncs[w].PublishWeightShare(updated))
		twice := make([]float32, size)
		require.NoError(t, c.syncs[w].ReconstructParameter(twice))
		require.Equal(t, once, twice)
	}
}

func TestReconstructParameterAsync(t *testing.T) {
	const size, numWorkers = 12, 3
	c := newCluster(t, size, numWorkers, nil)
	initial := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	c.initAll(t, initial)

	buffer := make([]float32, size)
	pending := c.syncs[2].ReconstructParameterAsync(buffer)
	require.NoError(t, pending.Wait())
	require.True(t, pending.Done())
	require.Equal(t, initial, buffer)

	// Wait is repeatable.
	require.NoError(t, pending.Wait())
}

// TestFullTrainingRound drives the complete per-round data flow for several
// rounds and checks that all workers hold identical parameters afterwards:
// local shards -> local reduce -> shard publication -> cross-worker reduce ->
// SGD step on the owned slice -> weight publication -> reconstruction.
func TestFullTrainingRound(t *testing.T) {
	const (
		size          = 37
		numWorkers    = 4
		numShards     = 3
		numRounds     = 5
		learningRate  = 0.05
		fp16Tolerance = 1.0 / (1 << 10)
	)
	rng := rand.New(rand.NewSource(97))
	c := newCluster(t, size, numWorkers, nil)

	parameter := make([]float32, size)
	for i := range parameter {
		parameter[i] = rng.Float32() - 0.5
	}
	c.initAll(t, parameter)

	// Shadow copy in float64 to bound the drift introduced by compression.
	shadow := make([]float64, size)
	for i, v := range parameter {
		shadow[i] = float64(v)
	}

	views := make([][]float32, numWorkers)
	for w := range views {
		views[w] = make([]float32, size)
	}

	for round := 0; round < numRounds; round++ {
		shadowGradient := make([]float64, size)
		for w := 0; w < numWorkers; w++ {
			for shard := 0; shard < numShards; shard++ {
				values := make([]float32, size)
				wide := make([]float64, size)
				for i := range values {
					values[i] = (rng.Float32() - 0.5) / 4
					wide[i] = float64(values[i])
				}
				c.depositShard(t, w, fmt.Sprintf("round%d_shard%d", round, shard), values)
				floats.Add(shadowGradient, wide)
			}
		}

		for w := 0; w < numWorkers; w++ {
			localGradient, err := c.syncs[w].AggregateLocalGradient(size)
			require.NoError(t, err)
			require.NoError(t, c.syncs[w].PublishGradientShards(localGradient))
		}

		for w := 0; w < numWorkers; w++ {
			s := c.syncs[w]
			reduced, err := s.AggregateCrossWorkerGradient()
			require.NoError(t, err)

			weight, err := s.OwnedWeight()
			require.NoError(t, err)
			for i := range weight {
				weight[i] -= learningRate * reduced[i]
			}
			require.NoError(t, s.PublishWeightShare(weight))
		}

		pendings := make([]*Pending, numWorkers)
		for w := 0; w < numWorkers; w++ {
			pendings[w] = c.syncs[w].ReconstructParameterAsync(views[w])
		}
		for w := 0; w < numWorkers; w++ {
			require.NoError(t, pendings[w].Wait())
		}

		// All workers agree bit-exactly on the non-owned ranges and within
		// one fp16 rounding everywhere (the owner substitutes its own
		// uncompressed slice).
		for w := 1; w < numWorkers; w++ {
			for i := range views[w] {
				require.InDelta(t, views[0][i], views[w][i], fp16Tolerance, "round %d worker %d element %d", round, w, i)
			}
		}

		// And they track the uncompressed shadow computation within the
		// accumulated compression error.
		for i := range shadow {
			shadow[i] -= learningRate * shadowGradient[i]
			require.InDelta(t, shadow[i], float64(views[0][i]), float64(round+1)*0.02, "round %d element %d", round, i)
		}
	}
}
