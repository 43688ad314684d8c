// Package eogconv implements an Edge-Only Graph Convolution (EOGConv) layer
// for GoMLX: a graph-neural-network layer that updates *edge* features from
// the features of neighboring edges, with no node states involved.
//
// Each edge e connecting nodes (u, v) carries one feature vector per endpoint,
// so edges can be anisotropic -- the two endpoint vectors of the same edge may
// differ. The layer aggregates, at each endpoint, the endpoint features of the
// other edges touching that node, and mixes the two aggregated messages with a
// learned projection of the edge's own endpoint pair:
//
//	out[e] = leftSum[e]·W_left + concat(x_src[e], x_dst[e])·W_self + rightSum[e]·W_right
//
// In the undirected symmetric configuration (the default) W_left and W_right
// are the same shared matrix.
//
// Use New to emit the convolution into a computation graph being built (the
// usual way when composing a model), or Layer for a ready-to-call forward
// function over materialized tensors.
package eogconv

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const (
	// ParamAggregation is the context hyperparameter with the default
	// aggregation, "sum" or "mean". The default is "sum".
	ParamAggregation = "eogconv_aggregation"

	// ParamDirected is the context hyperparameter with the default for the
	// directed mode. The default is false.
	ParamDirected = "eogconv_directed"

	// ParamSymmetric is the context hyperparameter with the default for the
	// symmetric mode. The default is true.
	ParamSymmetric = "eogconv_symmetric"
)

// weightMode is fixed once at graph-building time from the (directed,
// symmetric) configuration: there is no per-call branching on the flags.
type weightMode int

const (
	// weightsShared: one "side" matrix applied to both the left and right
	// aggregated messages. Selected by directed=false, symmetric=true.
	weightsShared weightMode = iota

	// weightsSplit: independent "left" and "right" matrices. Selected by any
	// other combination of the flags.
	weightsSplit
)

// Config is created by New and configured by its methods; call Done to emit
// the convolution into the graph and get the new edge features.
type Config struct {
	ctx       *context.Context
	edgeX     *Node
	edgeIndex *Node
	edgeBatch *Node

	outChannels int
	inChannels  int
	numNodes    int
	aggregation Aggregation
	directed    bool
	symmetric   bool
	init        context.VariableInitializer
}

// New creates the configuration of an EOGConv layer applied to the given edge
// features and adjacency.
//
// Args:
//   - ctx: the variable scope the layer's weights live in. Weights are created
//     under the sub-scopes "self" and either "side" (shared symmetric mode) or
//     "left"/"right".
//   - edgeX: edge features shaped [numEdges, 2, channels]; edgeX[e][0] is the
//     feature vector at the endpoint edgeIndex[0][e], edgeX[e][1] the one at
//     edgeIndex[1][e].
//   - edgeIndex: integer node ids shaped [2, numEdges]; the ids are only used
//     as aggregation keys, in [0, numNodes).
//   - outChannels: dimension of the output edge features.
//
// The returned Config can be further customized -- see NumNodes, which is
// required -- and Done emits the convolution, returning a node shaped
// [numEdges, outChannels].
//
// Defaults for aggregation and the directed/symmetric modes can also be set
// through the hyperparameters ParamAggregation, ParamDirected and
// ParamSymmetric in the context.
func New(ctx *context.Context, edgeX, edgeIndex *Node, outChannels int) *Config {
	if edgeX.Rank() != 3 {
		Panicf("eogconv: edgeX must be rank-3, shaped [numEdges, 2, channels], got shape %s", edgeX.Shape())
	}
	if edgeX.Shape().Dimensions[1] != 2 {
		Panicf("eogconv: edgeX must have dimension 2 on its middle axis (one feature vector per endpoint), got shape %s",
			edgeX.Shape())
	}
	if edgeIndex.Rank() != 2 || edgeIndex.Shape().Dimensions[0] != 2 {
		Panicf("eogconv: edgeIndex must be shaped [2, numEdges], got shape %s", edgeIndex.Shape())
	}
	if !edgeIndex.DType().IsInt() {
		Panicf("eogconv: edgeIndex must have an integer dtype, got shape %s", edgeIndex.Shape())
	}
	if edgeIndex.Shape().Dimensions[1] != edgeX.Shape().Dimensions[0] {
		Panicf("eogconv: edgeX (shape %s) and edgeIndex (shape %s) disagree on the number of edges",
			edgeX.Shape(), edgeIndex.Shape())
	}
	if outChannels <= 0 {
		Panicf("eogconv: outChannels must be positive, got %d", outChannels)
	}
	return &Config{
		ctx:         ctx,
		edgeX:       edgeX,
		edgeIndex:   edgeIndex,
		outChannels: outChannels,
		aggregation: AggregationFromName(context.GetParamOr(ctx, ParamAggregation, "sum")),
		directed:    context.GetParamOr(ctx, ParamDirected, false),
		symmetric:   context.GetParamOr(ctx, ParamSymmetric, true),
	}
}

// Aggregation sets how incident endpoint features are reduced per node,
// AggregationSum or AggregationMean.
//
// The default is AggregationSum, overridable with the hyperparameter
// ParamAggregation.
func (c *Config) Aggregation(aggregation Aggregation) *Config {
	if !aggregation.isValid() {
		Panicf("eogconv: invalid Aggregation(%d), use AggregationSum or AggregationMean", aggregation)
	}
	c.aggregation = aggregation
	return c
}

// Directed marks the edges as directed, which forces independent left/right
// weight matrices.
//
// The default is false, overridable with the hyperparameter ParamDirected.
func (c *Config) Directed(directed bool) *Config {
	c.directed = directed
	return c
}

// Symmetric selects, together with Directed, the weight layout: undirected
// symmetric layers share one "side" matrix for both endpoints, every other
// combination gets independent "left" and "right" matrices.
//
// The default is true, overridable with the hyperparameter ParamSymmetric.
func (c *Config) Symmetric(symmetric bool) *Config {
	c.symmetric = symmetric
	return c
}

// NumNodes sets the number of node-aggregation slots; every id in edgeIndex
// must be in [0, numNodes).
//
// It is required when building a graph: graph shapes are static, so the
// max(edgeIndex)+1 fallback is only available on the tensor-level API (see
// Layer.Forward, which infers it host-side).
func (c *Config) NumNodes(numNodes int) *Config {
	if numNodes <= 0 {
		Panicf("eogconv: NumNodes must be positive, got %d", numNodes)
	}
	c.numNodes = numNodes
	return c
}

// InputChannels optionally pins the expected per-endpoint channel count; Done
// panics if edgeX disagrees. Without it the channel count is taken from edgeX.
func (c *Config) InputChannels(channels int) *Config {
	if channels <= 0 {
		Panicf("eogconv: InputChannels must be positive, got %d", channels)
	}
	c.inChannels = channels
	return c
}

// EdgeBatch passes the graph-id per edge of a batch of disjoint graphs (see
// edgegraph.Concat). It is accepted for interface compatibility and validated,
// but the aggregation ignores it: node sums are computed globally over all
// edges of the call. Since disjoint graphs share no node ids, the result is
// the same either way.
func (c *Config) EdgeBatch(edgeBatch *Node) *Config {
	if edgeBatch == nil {
		c.edgeBatch = nil
		return c
	}
	numEdges := c.edgeX.Shape().Dimensions[0]
	if edgeBatch.Rank() != 1 || edgeBatch.Shape().Dimensions[0] != numEdges || !edgeBatch.DType().IsInt() {
		Panicf("eogconv: edgeBatch must be an integer vector shaped [numEdges=%d], got shape %s",
			numEdges, edgeBatch.Shape())
	}
	c.edgeBatch = edgeBatch
	return c
}

// WithInitializer overrides the initializer used for weights created by this
// layer. The default is Xavier-uniform (initializers.XavierUniformFn).
func (c *Config) WithInitializer(init context.VariableInitializer) *Config {
	c.init = init
	return c
}

func (c *Config) mode() weightMode {
	if !c.directed && c.symmetric {
		return weightsShared
	}
	return weightsSplit
}

// Done emits the convolution into the graph and returns the new edge
// features, shaped [numEdges, outChannels].
//
// The node sums are an unordered multiset sum over both endpoint occurrences
// of every edge: reordering the edge list changes nothing beyond
// floating-point rounding. A self-loop edge (src == dst) contributes both its
// endpoint features to the same node's sum, and 2 to that node's degree count
// -- it is deliberately not special-cased.
func (c *Config) Done() *Node {
	g := c.edgeX.Graph()
	dtype := c.edgeX.DType()
	numEdges := c.edgeX.Shape().Dimensions[0]
	channels := c.edgeX.Shape().Dimensions[2]
	if c.inChannels > 0 && channels != c.inChannels {
		Panicf("eogconv: edgeX has %d channels per endpoint (shape %s), but the layer was configured with InputChannels(%d)",
			channels, c.edgeX.Shape(), c.inChannels)
	}
	if c.numNodes <= 0 {
		Panicf("eogconv: NumNodes was not set -- graph shapes are static, so the number of nodes cannot be " +
			"inferred from edgeIndex here; either call Config.NumNodes or use the tensor-level eogconv.Layer, " +
			"which infers it from the edge index data")
	}

	srcIdx := InsertAxes(Squeeze(Slice(c.edgeIndex, AxisElem(0)), 0), -1) // [numEdges, 1]
	dstIdx := InsertAxes(Squeeze(Slice(c.edgeIndex, AxisElem(1)), 0), -1)
	xSrc := Squeeze(Slice(c.edgeX, AxisRange(), AxisElem(0)), 1) // [numEdges, channels]
	xDst := Squeeze(Slice(c.edgeX, AxisRange(), AxisElem(1)), 1)

	// Per-node sum of incident endpoint features, one scatter pass per
	// edgeIndex row -- together a single unordered sum over all 2*numEdges
	// endpoint occurrences.
	nodeSum := ScatterSum(Zeros(g, shapes.Make(dtype, c.numNodes, channels)), srcIdx, xSrc, false, false)
	nodeSum = ScatterSum(nodeSum, dstIdx, xDst, false, false)

	// Neighbor sums per edge, excluding the edge's own contribution.
	leftSum := Sub(Gather(nodeSum, srcIdx), xSrc)
	rightSum := Sub(Gather(nodeSum, dstIdx), xDst)

	if c.aggregation == AggregationMean {
		ones := Ones(g, shapes.Make(dtype, numEdges, 1))
		degree := ScatterSum(Zeros(g, shapes.Make(dtype, c.numNodes, 1)), srcIdx, ones, false, false)
		degree = ScatterSum(degree, dstIdx, ones, false, false)
		// Count of *other* incident edges, clamped to 1: endpoints whose only
		// incident edge is this one have a zero neighbor sum, and 0/1 keeps it.
		leftCount := MaxScalar(AddScalar(Gather(degree, srcIdx), -1), 1)
		rightCount := MaxScalar(AddScalar(Gather(degree, dstIdx), -1), 1)
		leftSum = Div(leftSum, leftCount)
		rightSum = Div(rightSum, rightCount)
	}

	ctxW := c.ctx
	init := c.init
	if init == nil {
		init = initializers.XavierUniformFn(c.ctx)
	}
	ctxW = ctxW.WithInitializer(init)

	var wLeft, wRight *Node
	switch c.mode() {
	case weightsShared:
		wSide := ctxW.In("side").
			VariableWithShape("weights", shapes.Make(dtype, channels, c.outChannels)).
			ValueGraph(g)
		wLeft, wRight = wSide, wSide
	case weightsSplit:
		wLeft = ctxW.In("left").
			VariableWithShape("weights", shapes.Make(dtype, channels, c.outChannels)).
			ValueGraph(g)
		wRight = ctxW.In("right").
			VariableWithShape("weights", shapes.Make(dtype, channels, c.outChannels)).
			ValueGraph(g)
	}
	wSelf := ctxW.In("self").
		VariableWithShape("weights", shapes.Make(dtype, 2*channels, c.outChannels)).
		ValueGraph(g)

	selfPair := Concatenate([]*Node{xSrc, xDst}, -1) // [numEdges, 2*channels]
	out := Add(MatMul(leftSum, wLeft), MatMul(selfPair, wSelf))
	out = Add(out, MatMul(rightSum, wRight))
	return out
}
