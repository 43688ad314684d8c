// Demo of training an EOGConv layer: generates a random graph with random
// edge features, labels them with a randomly-initialized "target" EOGConv
// layer, then trains a fresh layer to recover the target weights with MSE.
package main

import (
	"flag"
	"fmt"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/eogconv"
	"github.com/gomlx/eogconv/edgegraph"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagNumNodes     = flag.Int("num_nodes", 50, "Number of nodes in the random graph")
	flagNumEdges     = flag.Int("num_edges", 400, "Number of random edges")
	flagChannels     = flag.Int("channels", 4, "Feature channels per edge endpoint")
	flagOutChannels  = flag.Int("out_channels", 4, "Output channels of the convolution")
	flagAggregation  = flag.String("aggregation", "sum", "Aggregation per node: \"sum\" or \"mean\"")
	flagNumSteps     = flag.Int("steps", 2000, "Number of gradient descent steps to perform")
	flagLearningRate = flag.Float64("learning_rate", 0.01, "Initial learning rate")
	flagSeed         = flag.Int64("seed", 42, "Seed for the random graph topology")
)

// randomGraph samples a random edge list over numNodes nodes.
func randomGraph(rng *rand.Rand, numNodes, numEdges int) *edgegraph.EdgeList {
	edges := edgegraph.New(numEdges)
	for range numEdges {
		edges.Add(int32(rng.Intn(numNodes)), int32(rng.Intn(numNodes)))
	}
	return edges
}

// buildExamples samples random edge features and labels them with a
// randomly-initialized convolution whose weights land in targetCtx. The
// returned tensors carry a leading batch axis of 1: the whole graph is a
// single example, since the aggregation couples all edges.
func buildExamples(
	backend backends.Backend,
	targetCtx *context.Context,
	edgeIndex *tensors.Tensor,
	numNodes, numEdges, channels, outChannels int,
	aggregation eogconv.Aggregation,
) (inputs, labels *tensors.Tensor) {
	e := context.MustNewExec(backend, targetCtx,
		func(ctx *context.Context, g *Graph) (inputs, labels *Node) {
			rngState := RNGStateForGraph(g)
			_, inputs = RandomNormal(rngState, shapes.Make(dtypes.Float32, 1, numEdges, 2, channels))
			edgeOut := eogconv.New(ctx.In("conv"), Squeeze(inputs, 0), Const(g, edgeIndex), outChannels).
				Aggregation(aggregation).
				NumNodes(numNodes).
				Done()
			labels = InsertAxes(edgeOut, 0)
			return
		})
	examples := e.MustExec()
	inputs, labels = examples[0], examples[1]
	return
}

func main() {
	flag.Parse()
	backend := backends.MustNew()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())

	aggregation := eogconv.AggregationFromName(*flagAggregation)
	rng := rand.New(rand.NewSource(*flagSeed))
	edges := randomGraph(rng, *flagNumNodes, *flagNumEdges)
	edgeIndex := edges.EdgeIndexTensor()
	fmt.Printf("Graph: %s nodes, %s edges, %d channels per endpoint\n\n",
		humanize.Comma(int64(*flagNumNodes)), humanize.Comma(int64(edges.NumEdges())), *flagChannels)

	// The target convolution whose weights the training should recover.
	targetCtx := context.New()
	inputs, labels := buildExamples(backend, targetCtx, edgeIndex,
		*flagNumNodes, edges.NumEdges(), *flagChannels, *flagOutChannels, aggregation)
	fmt.Printf("Training data (inputs, labels): (%s, %s)\n\n", inputs.Shape(), labels.Shape())

	// The whole graph is one example; batches of size 1 repeat it forever.
	dataset := must.M1(datasets.InMemoryFromData(backend, "edge features", []any{inputs}, []any{labels})).
		Infinite(true).BatchSize(1, false)

	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, *flagLearningRate)

	modelGraph := func(ctx *context.Context, spec any, graphInputs []*Node) []*Node {
		_ = spec
		g := graphInputs[0].Graph()
		edgeX := Squeeze(graphInputs[0], 0)
		edgeOut := eogconv.New(ctx.In("conv"), edgeX, Const(g, edgeIndex), *flagOutChannels).
			Aggregation(aggregation).
			NumNodes(*flagNumNodes).
			Done()
		return []*Node{InsertAxes(edgeOut, 0)}
	}

	trainer := train.NewTrainer(backend, ctx, modelGraph,
		losses.MeanSquaredError,
		optimizers.Adam().Done(),
		nil, nil) // trainMetrics, evalMetrics

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	_, err := loop.RunSteps(dataset, *flagNumSteps)
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}

	// Both contexts hold their convolution under /conv with the same weight
	// layout, so the recovered weights can be compared side by side.
	fmt.Println()
	for _, scope := range []string{"/conv/side", "/conv/self"} {
		target := targetCtx.GetVariableByScopeAndName(scope, "weights").MustValue()
		learned := ctx.GetVariableByScopeAndName(scope, "weights").MustValue()
		fmt.Printf("%s/weights:\n\ttarget:  %0.4v\n\tlearned: %0.4v\n", scope, target.Value(), learned.Value())
	}
}
