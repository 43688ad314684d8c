package eogconv

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// The hand-computable reference graph used across the tests below:
// 3 nodes in a path, 2 edges, 1 channel per endpoint.
//
//	edge 0 = (0, 1), features [[1], [2]]
//	edge 1 = (1, 2), features [[2], [3]]
//
// Node sums are then [1, 4, 3] and, with all weights set to 1, the layer
// outputs 5 for edge 0 and 7 for edge 1.
var (
	pathEdgeX     = [][][]float32{{{1}, {2}}, {{2}, {3}}}
	pathEdgeIndex = [][]int32{{0, 1}, {1, 2}}
)

// setPathWeights pre-sets the shared-mode weights of a layer at scope /conv to
// ones, so the test outputs can be checked by hand.
func setPathWeights(ctx *context.Context) {
	_ = ctx.InAbsPath("/conv/side").VariableWithValue("weights", tensors.FromValue([][]float32{{1}}))
	_ = ctx.InAbsPath("/conv/self").VariableWithValue("weights", tensors.FromValue([][]float32{{1}, {1}}))
}

func TestEOGConvPathGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	setPathWeights(ctx)

	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		return New(ctx.In("conv"), Const(g, pathEdgeX), Const(g, pathEdgeIndex), 1).
			NumNodes(3).
			Done()
	})
	got := exec.MustExec()[0]
	require.Equal(t, [][]float32{{5}, {7}}, got.Value())
}

func TestEOGConvDirected(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	_ = ctx.InAbsPath("/conv/left").VariableWithValue("weights", tensors.FromValue([][]float32{{10}}))
	_ = ctx.InAbsPath("/conv/right").VariableWithValue("weights", tensors.FromValue([][]float32{{100}}))
	_ = ctx.InAbsPath("/conv/self").VariableWithValue("weights", tensors.FromValue([][]float32{{1}, {1}}))

	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		return New(ctx.In("conv"), Const(g, pathEdgeX), Const(g, pathEdgeIndex), 1).
			Directed(true).
			NumNodes(3).
			Done()
	})
	got := exec.MustExec()[0]
	// Edge 0: left 0*10, self 1+2, right 2*100; edge 1: left 2*10, self 2+3, right 0*100.
	require.Equal(t, [][]float32{{203}, {25}}, got.Value())
}

// Reordering the edge list must only reorder the output rows: the node sums
// are unordered sums over all endpoint occurrences.
func TestEOGConvPermutationInvariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	edgeX := [][][]float32{{{1, -2}, {3, 0.5}}, {{-1, 2}, {0, 1}}, {{4, 4}, {-3, 7}}, {{0.25, 8}, {1, 1}}}
	edgeIndex := [][]int32{{0, 1, 2, 0}, {1, 2, 3, 3}}
	// Edges in reverse order, features and index columns permuted together.
	edgeXRev := [][][]float32{edgeX[3], edgeX[2], edgeX[1], edgeX[0]}
	edgeIndexRev := [][]int32{{0, 2, 1, 0}, {3, 3, 2, 1}}

	build := func(edgeX [][][]float32, edgeIndex [][]int32) func(ctx *context.Context, g *Graph) *Node {
		return func(ctx *context.Context, g *Graph) *Node {
			return New(ctx.In("conv"), Const(g, edgeX), Const(g, edgeIndex), 3).
				Aggregation(AggregationMean).
				NumNodes(4).
				Done()
		}
	}
	execFwd := context.MustNewExec(backend, ctx, build(edgeX, edgeIndex))
	gotFwd := execFwd.MustExec()[0]
	execRev := context.MustNewExec(backend, ctx.Reuse(), build(edgeXRev, edgeIndexRev))
	gotRev := execRev.MustExec()[0]

	fwd := gotFwd.Value().([][]float32)
	rev := gotRev.Value().([][]float32)
	for e := range fwd {
		require.InDeltaSlice(t, fwd[e], rev[len(rev)-1-e], 1e-5, "edge %d", e)
	}
}

// An edge whose endpoints touch no other edge gets zero neighbor sums: only
// the self term survives, and sum and mean coincide.
func TestEOGConvSelfExclusion(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	_ = ctx.InAbsPath("/conv/side").VariableWithValue("weights", tensors.FromValue([][]float32{{1000}}))
	_ = ctx.InAbsPath("/conv/self").VariableWithValue("weights", tensors.FromValue([][]float32{{1}, {1}}))

	edgeX := [][][]float32{{{3}, {5}}}
	edgeIndex := [][]int32{{0}, {1}}
	for _, aggregation := range []Aggregation{AggregationSum, AggregationMean} {
		exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
			return New(ctx.In("conv"), Const(g, edgeX), Const(g, edgeIndex), 1).
				Aggregation(aggregation).
				NumNodes(2).
				Done()
		})
		got := exec.MustExec()[0]
		require.Equalf(t, [][]float32{{8}}, got.Value(), "aggregation=%s", aggregation)
	}
}

// In the shared symmetric mode, swapping the two endpoint slots of every edge
// (features and index rows together) must not change the output, as long as
// the self weights treat both slots alike.
func TestEOGConvSymmetricEndpointSwap(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	setPathWeights(ctx)

	swappedEdgeX := [][][]float32{{{2}, {1}}, {{3}, {2}}}
	swappedEdgeIndex := [][]int32{{1, 2}, {0, 1}}
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		return New(ctx.In("conv"), Const(g, swappedEdgeX), Const(g, swappedEdgeIndex), 1).
			NumNodes(3).
			Done()
	})
	got := exec.MustExec()[0]
	require.Equal(t, [][]float32{{5}, {7}}, got.Value())
}

// On a cycle every node has exactly two incident edges, so each edge sees one
// other edge per endpoint and mean equals sum.
func TestEOGConvMeanEqualsSumOnCycle(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	edgeX := [][][]float32{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}, {{9, 10}, {11, 12}}}
	edgeIndex := [][]int32{{0, 1, 2}, {1, 2, 0}}
	run := func(aggregation Aggregation, reuse bool) *tensors.Tensor {
		execCtx := ctx
		if reuse {
			execCtx = ctx.Reuse()
		}
		exec := context.MustNewExec(backend, execCtx, func(ctx *context.Context, g *Graph) *Node {
			return New(ctx.In("conv"), Const(g, edgeX), Const(g, edgeIndex), 2).
				Aggregation(aggregation).
				NumNodes(3).
				Done()
		})
		return exec.MustExec()[0]
	}
	gotSum := run(AggregationSum, false)
	gotMean := run(AggregationMean, true)
	require.True(t, gotSum.InDelta(gotMean, 1e-5))
}

// A star graph gives its center degree 3, so the mean divisor for the center
// endpoint is max(3-1, 1) = 2. Zero self weights isolate the aggregated terms.
func TestEOGConvMeanDivisor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	_ = ctx.InAbsPath("/conv/side").VariableWithValue("weights", tensors.FromValue([][]float32{{1}}))
	_ = ctx.InAbsPath("/conv/self").VariableWithValue("weights", tensors.FromValue([][]float32{{0}, {0}}))

	// Node sums: node 0 = 1+2+3 = 6, leaves keep their single feature.
	edgeX := [][][]float32{{{1}, {10}}, {{2}, {20}}, {{3}, {30}}}
	edgeIndex := [][]int32{{0, 0, 0}, {1, 2, 3}}
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		return New(ctx.In("conv"), Const(g, edgeX), Const(g, edgeIndex), 1).
			Aggregation(AggregationMean).
			NumNodes(4).
			Done()
	})
	got := exec.MustExec()[0]
	// Per edge: (6 - ownCenterFeature)/2 at the center, 0 at the leaf.
	require.Equal(t, [][]float32{{2.5}, {2}, {1.5}}, got.Value())
}

// A self-loop contributes both its endpoint features to the same node's sum
// and counts twice in that node's degree. Pinned numerically so the behavior
// cannot silently change.
func TestEOGConvSelfLoopDoubleCounts(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	setPathWeights(ctx)

	// Edge 0 is a self-loop on node 0; edge 1 connects 0 to 1.
	// Node sums: node 0 = 1+2+4 = 7, node 1 = 8.
	edgeX := [][][]float32{{{1}, {2}}, {{4}, {8}}}
	edgeIndex := [][]int32{{0, 0}, {0, 1}}
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		return New(ctx.In("conv"), Const(g, edgeX), Const(g, edgeIndex), 1).
			NumNodes(2).
			Done()
	})
	got := exec.MustExec()[0]
	// Edge 0: (7-1) + (1+2) + (7-2) = 14; edge 1: (7-4) + (4+8) + (8-8) = 15.
	require.Equal(t, [][]float32{{14}, {15}}, got.Value())
}

// The edge-batch vector is accepted and shape-checked but does not change the
// aggregation.
func TestEOGConvEdgeBatchIsInert(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	setPathWeights(ctx)

	run := func(withBatch bool) *tensors.Tensor {
		exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
			cfg := New(ctx.In("conv"), Const(g, pathEdgeX), Const(g, pathEdgeIndex), 1).
				NumNodes(3)
			if withBatch {
				cfg.EdgeBatch(Const(g, []int32{0, 0}))
			}
			return cfg.Done()
		})
		return exec.MustExec()[0]
	}
	require.Equal(t, run(false).Value(), run(true).Value())
}

func TestEOGConvHyperparameterDefaults(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamAggregation, "mean")
	ctx.SetParam(ParamDirected, true)
	_ = ctx.InAbsPath("/conv/left").VariableWithValue("weights", tensors.FromValue([][]float32{{10}}))
	_ = ctx.InAbsPath("/conv/right").VariableWithValue("weights", tensors.FromValue([][]float32{{100}}))
	_ = ctx.InAbsPath("/conv/self").VariableWithValue("weights", tensors.FromValue([][]float32{{1}, {1}}))

	// The path graph has all degrees <= 2, so the mean divisors are all 1 and
	// the expected values match the directed sum case.
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		return New(ctx.In("conv"), Const(g, pathEdgeX), Const(g, pathEdgeIndex), 1).
			NumNodes(3).
			Done()
	})
	got := exec.MustExec()[0]
	require.Equal(t, [][]float32{{203}, {25}}, got.Value())
}

func TestEOGConvValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	mustPanic := func(name string, fn func(ctx *context.Context, g *Graph) *Node) {
		t.Run(name, func(t *testing.T) {
			ctx := context.New()
			require.Panics(t, func() {
				context.MustNewExec(backend, ctx, fn).MustExec()
			})
		})
	}

	mustPanic("edgeX-rank", func(ctx *context.Context, g *Graph) *Node {
		return New(ctx, Const(g, [][]float32{{1, 2}}), Const(g, pathEdgeIndex), 1).NumNodes(3).Done()
	})
	mustPanic("edgeX-middle-axis", func(ctx *context.Context, g *Graph) *Node {
		badX := [][][]float32{{{1}, {2}, {3}}, {{2}, {3}, {4}}}
		return New(ctx, Const(g, badX), Const(g, pathEdgeIndex), 1).NumNodes(3).Done()
	})
	mustPanic("edgeIndex-shape", func(ctx *context.Context, g *Graph) *Node {
		badIndex := [][]int32{{0, 1}, {1, 2}, {2, 0}}
		return New(ctx, Const(g, pathEdgeX), Const(g, badIndex), 1).NumNodes(3).Done()
	})
	mustPanic("edgeIndex-dtype", func(ctx *context.Context, g *Graph) *Node {
		return New(ctx, Const(g, pathEdgeX), Const(g, [][]float32{{0, 1}, {1, 2}}), 1).NumNodes(3).Done()
	})
	mustPanic("num-edges-mismatch", func(ctx *context.Context, g *Graph) *Node {
		return New(ctx, Const(g, pathEdgeX), Const(g, [][]int32{{0}, {1}}), 1).NumNodes(3).Done()
	})
	mustPanic("out-channels", func(ctx *context.Context, g *Graph) *Node {
		return New(ctx, Const(g, pathEdgeX), Const(g, pathEdgeIndex), 0).NumNodes(3).Done()
	})
	mustPanic("input-channels-mismatch", func(ctx *context.Context, g *Graph) *Node {
		return New(ctx, Const(g, pathEdgeX), Const(g, pathEdgeIndex), 1).
			InputChannels(4).NumNodes(3).Done()
	})
	mustPanic("missing-num-nodes", func(ctx *context.Context, g *Graph) *Node {
		return New(ctx, Const(g, pathEdgeX), Const(g, pathEdgeIndex), 1).Done()
	})
	mustPanic("edge-batch-shape", func(ctx *context.Context, g *Graph) *Node {
		return New(ctx, Const(g, pathEdgeX), Const(g, pathEdgeIndex), 1).
			EdgeBatch(Const(g, []int32{0, 0, 0})).NumNodes(3).Done()
	})
}

func TestAggregationFromName(t *testing.T) {
	require.Equal(t, AggregationSum, AggregationFromName("sum"))
	require.Equal(t, AggregationMean, AggregationFromName("mean"))
	require.Panics(t, func() { AggregationFromName("max") })
	require.Panics(t, func() { AggregationFromName("") })
}
