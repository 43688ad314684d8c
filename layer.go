package eogconv

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
)

// Layer is the tensor-level form of the convolution: a forward function over
// materialized tensors, with the number of nodes inferred from the edge index
// when not given. The weights live in the layer's context and are shared by
// every call -- and by anything else (optimizers, checkpoints) holding the
// same context.
//
// Computation graphs are JIT-compiled on first use and cached per inferred
// node count (the underlying Exec additionally caches per input shapes).
// A Layer is not safe for concurrent use.
type Layer struct {
	backend backends.Backend
	ctx     *context.Context

	inChannels  int
	outChannels int
	numNodes    int
	aggregation Aggregation
	directed    bool
	symmetric   bool

	execs map[int]*context.Exec
}

// ForwardOptions are the optional arguments of Layer.ForwardWithOptions.
type ForwardOptions struct {
	// EdgeBatch optionally assigns a graph id to each edge, shaped [numEdges]
	// with an integer dtype. It is accepted for interface compatibility and
	// shape-checked, but the aggregation ignores it -- node sums are global
	// over all edges of the call.
	EdgeBatch *tensors.Tensor

	// NumNodes overrides the max(edgeIndex)+1 inference. Must be positive and
	// larger than every node id in the edge index.
	NumNodes int
}

// NewLayer creates an EOGConv layer over the given backend, with weights
// stored in ctx. Both channel counts must be positive; edgeX inputs are
// checked against inChannels on every call.
//
// Defaults for aggregation and the directed/symmetric modes are read from the
// context hyperparameters (ParamAggregation, ParamDirected, ParamSymmetric)
// and can be overridden with the corresponding chained methods.
func NewLayer(backend backends.Backend, ctx *context.Context, inChannels, outChannels int) *Layer {
	if inChannels <= 0 || outChannels <= 0 {
		Panicf("eogconv: channel counts must be positive, got NewLayer(..., inChannels=%d, outChannels=%d)",
			inChannels, outChannels)
	}
	return &Layer{
		backend:     backend,
		ctx:         ctx,
		inChannels:  inChannels,
		outChannels: outChannels,
		aggregation: AggregationFromName(context.GetParamOr(ctx, ParamAggregation, "sum")),
		directed:    context.GetParamOr(ctx, ParamDirected, false),
		symmetric:   context.GetParamOr(ctx, ParamSymmetric, true),
		execs:       make(map[int]*context.Exec),
	}
}

// Aggregation sets the reduction used per node, AggregationSum (default) or
// AggregationMean. It panics on an invalid value.
func (l *Layer) Aggregation(aggregation Aggregation) *Layer {
	if !aggregation.isValid() {
		Panicf("eogconv: invalid Aggregation(%d), use AggregationSum or AggregationMean", aggregation)
	}
	l.aggregation = aggregation
	return l
}

// Directed marks the edges as directed, forcing independent left/right
// weights.
func (l *Layer) Directed(directed bool) *Layer {
	l.directed = directed
	return l
}

// Symmetric selects the shared-side-weight layout when the layer is also
// undirected.
func (l *Layer) Symmetric(symmetric bool) *Layer {
	l.symmetric = symmetric
	return l
}

// NumNodes fixes the number of nodes for every call, instead of inferring it
// per call from the edge index.
func (l *Layer) NumNodes(numNodes int) *Layer {
	if numNodes <= 0 {
		Panicf("eogconv: NumNodes must be positive, got %d", numNodes)
	}
	l.numNodes = numNodes
	return l
}

// Forward computes the convolution for one batch of edges.
//
// edgeX must be a float tensor shaped [numEdges, 2, inChannels], edgeIndex an
// int32 or int64 tensor shaped [2, numEdges]. The number of nodes is taken
// from NumNodes if set, otherwise inferred as max(edgeIndex)+1. The result is
// shaped [numEdges, outChannels].
func (l *Layer) Forward(edgeX, edgeIndex *tensors.Tensor) (*tensors.Tensor, error) {
	return l.ForwardWithOptions(edgeX, edgeIndex, ForwardOptions{})
}

// ForwardWithOptions is Forward with the optional edge-batch vector and
// num-nodes override. See ForwardOptions.
func (l *Layer) ForwardWithOptions(edgeX, edgeIndex *tensors.Tensor, opts ForwardOptions) (*tensors.Tensor, error) {
	if edgeX.Rank() != 3 {
		return nil, errors.Errorf("eogconv: edgeX must have 3 axes shaped [numEdges, 2, channels], got shape %s",
			edgeX.Shape())
	}
	dims := edgeX.Shape().Dimensions
	numEdges := dims[0]
	if dims[1] != 2 {
		return nil, errors.Errorf("eogconv: edgeX must have dimension 2 on its middle axis, got shape %s",
			edgeX.Shape())
	}
	if dims[2] != l.inChannels {
		return nil, errors.Errorf("eogconv: edgeX has %d channels per endpoint (shape %s), layer was built for %d",
			dims[2], edgeX.Shape(), l.inChannels)
	}
	if !edgeX.DType().IsFloat() {
		return nil, errors.Errorf("eogconv: edgeX must have a float dtype, got shape %s", edgeX.Shape())
	}
	if edgeIndex.Rank() != 2 || edgeIndex.Shape().Dimensions[0] != 2 {
		return nil, errors.Errorf("eogconv: edgeIndex must be shaped [2, numEdges], got shape %s",
			edgeIndex.Shape())
	}
	if edgeIndex.Shape().Dimensions[1] != numEdges {
		return nil, errors.Errorf("eogconv: edgeX (shape %s) and edgeIndex (shape %s) disagree on the number of edges",
			edgeX.Shape(), edgeIndex.Shape())
	}
	if opts.EdgeBatch != nil {
		b := opts.EdgeBatch
		if b.Rank() != 1 || b.Shape().Dimensions[0] != numEdges || !b.DType().IsInt() {
			return nil, errors.Errorf("eogconv: edgeBatch must be an integer vector shaped [numEdges=%d], got shape %s",
				numEdges, b.Shape())
		}
	}

	if opts.NumNodes < 0 {
		return nil, errors.Errorf("eogconv: ForwardOptions.NumNodes must be positive, got %d", opts.NumNodes)
	}

	maxID, err := maxNodeID(edgeIndex)
	if err != nil {
		return nil, err
	}
	numNodes := opts.NumNodes
	if numNodes == 0 {
		numNodes = l.numNodes
	}
	if numNodes == 0 {
		if numEdges == 0 {
			return nil, errors.Errorf("eogconv: cannot infer the number of nodes from an empty edge index, " +
				"set ForwardOptions.NumNodes or Layer.NumNodes")
		}
		numNodes = maxID + 1
	} else if maxID >= numNodes {
		return nil, errors.Errorf("eogconv: edgeIndex refers to node %d, but numNodes=%d", maxID, numNodes)
	}

	exec, err := l.execForNumNodes(numNodes)
	if err != nil {
		return nil, err
	}
	return exec.Exec1(edgeX, edgeIndex)
}

func (l *Layer) execForNumNodes(numNodes int) (*context.Exec, error) {
	if exec, found := l.execs[numNodes]; found {
		return exec, nil
	}
	exec, err := context.NewExec(l.backend, l.ctx,
		func(ctx *context.Context, edgeX, edgeIndex *graph.Node) *graph.Node {
			return New(ctx, edgeX, edgeIndex, l.outChannels).
				InputChannels(l.inChannels).
				Aggregation(l.aggregation).
				Directed(l.directed).
				Symmetric(l.symmetric).
				NumNodes(numNodes).
				Done()
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "eogconv: building forward graph for numNodes=%d", numNodes)
	}
	l.execs[numNodes] = exec
	return exec, nil
}

// maxNodeID scans the edge index host-side -- the same host synchronization
// the max(edgeIndex)+1 inference implies anywhere. Returns -1 for an empty
// index.
func maxNodeID(edgeIndex *tensors.Tensor) (int, error) {
	maxID := -1
	minID := 0
	switch edgeIndex.DType() {
	case dtypes.Int32:
		err := tensors.ConstFlatData(edgeIndex, func(flat []int32) {
			for _, id := range flat {
				maxID = max(maxID, int(id))
				minID = min(minID, int(id))
			}
		})
		if err != nil {
			return 0, errors.WithMessage(err, "eogconv: reading edgeIndex")
		}
	case dtypes.Int64:
		err := tensors.ConstFlatData(edgeIndex, func(flat []int64) {
			for _, id := range flat {
				maxID = max(maxID, int(id))
				minID = min(minID, int(id))
			}
		})
		if err != nil {
			return 0, errors.WithMessage(err, "eogconv: reading edgeIndex")
		}
	default:
		return 0, errors.Errorf("eogconv: edgeIndex must be int32 or int64, got shape %s", edgeIndex.Shape())
	}
	if minID < 0 {
		return 0, errors.Errorf("eogconv: edgeIndex contains the negative node id %d", minID)
	}
	return maxID, nil
}
