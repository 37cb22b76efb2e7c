// Package oneflow translates a decoded OneFlow job (the computation graph frozen in
// a checkpoint/export) into the equivalent GoMLX computation graph.
//
//   - New: wraps the already-decoded job nodes and a checkpoint parameter store into
//     a Model, eagerly materializing every parameter tensor.
//   - Model.BuildGraph: builds the GoMLX graph for the job, returning the ordered
//     input variables and the output value(s).
//   - Model.Params: the parameter tensors to feed for each non-primary input.
//   - Model.VariablesToContext: alternatively uploads the parameters as context
//     variables, for fine-tuning setups.
//
// Operator semantics, attribute values, parameter bindings, shapes, and dtypes are
// preserved; optimizing or executing the resulting graph is GoMLX's business.
package oneflow

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// ParamStore is the checkpoint collaborator: a path→tensor-buffer lookup over the
// persisted parameter state. internal/checkpoint.Dir implements it for OneFlow
// snapshot directories.
type ParamStore interface {
	// Has reports whether the store holds a tensor under the given storage path.
	Has(path string) bool
	// Materialize reads the tensor stored under path. The expected shape (dtype
	// included) comes from the job's variable declaration; implementations must
	// fail if the stored bytes don't match it.
	Materialize(path string, shape shapes.Shape) (*tensors.Tensor, error)
}

// Model is a decoded OneFlow job ready to be converted. It is created by New and is
// read-only afterwards except for the parameter bindings recorded by BuildGraph.
type Model struct {
	nodes  []*RawNode
	byName map[string]*RawNode

	// pathToConsumerName maps each storage path some operator consumes to the
	// "<node>-<slot>" name that consumer knows it by. Built once, before any
	// conversion; see symbols.go for why.
	pathToConsumerName map[string]string
	// paramTensors holds every checkpoint parameter, keyed by storage path,
	// materialized eagerly (and concurrently) at construction.
	paramTensors map[string]*tensors.Tensor
	// returnPaths is the set of storage paths declared as graph outputs.
	returnPaths map[string]bool

	inputOverrides map[string]shapes.Shape

	// params is filled by BuildGraph: symbol name → tensor for each parameter the
	// built graph actually takes as an input.
	params map[string]*tensors.Tensor
}

// Option configures a Model.
type Option func(*Model)

// WithInputOverride replaces the shape (and dtype) frozen into the checkpoint for
// the named graph input. Use it when binding the model to inputs other than the ones
// it was exported with, e.g. a different batch size.
func WithInputOverride(name string, shape shapes.Shape) Option {
	return func(m *Model) {
		m.inputOverrides[name] = shape
	}
}

// New wraps a decoded job into a Model. nodes is the complete node set of the job
// (this engine does not support partial graphs); store gives access to the persisted
// parameters, all of which are materialized here, before New returns.
func New(nodes []*RawNode, store ParamStore, options ...Option) (*Model, error) {
	m := &Model{
		nodes:          nodes,
		byName:         make(map[string]*RawNode, len(nodes)),
		returnPaths:    make(map[string]bool),
		inputOverrides: make(map[string]shapes.Shape),
	}
	for _, option := range options {
		option(m)
	}

	for _, node := range nodes {
		if node.Kind() == KindInvalid {
			return nil, errors.Errorf("node %q has no payload set", node.Name)
		}
		if _, found := m.byName[node.Name]; found {
			return nil, errors.Errorf("duplicate node name %q in job", node.Name)
		}
		m.byName[node.Name] = node
		if node.Kind() == KindOutput {
			m.returnPaths[node.Return.In] = true
		}
	}

	m.pathToConsumerName = buildConsumerNames(nodes)
	if err := m.materializeParams(store); err != nil {
		return nil, err
	}
	return m, nil
}

// buildConsumerNames is the construction-time pre-pass over all operators' declared
// input paths: it records, per path, the name the first consumer gives it.
func buildConsumerNames(nodes []*RawNode) map[string]string {
	names := make(map[string]string)
	for _, node := range nodes {
		if node.Kind() != KindOperator {
			continue
		}
		for _, slot := range node.User.Inputs {
			for ii, path := range slot.Paths {
				if _, found := names[path]; found {
					continue
				}
				if len(slot.Paths) == 1 {
					names[path] = fmt.Sprintf("%s-%s", node.Name, slot.Name)
				} else {
					names[path] = fmt.Sprintf("%s-%s_%d", node.Name, slot.Name, ii)
				}
			}
		}
	}
	return names
}

// materializeParams loads every declared parameter from the checkpoint store.
// Each parameter lives in an independent file, so the reads are purely additive and
// safe to run concurrently; this is the only I/O-bound phase of a conversion.
func (m *Model) materializeParams(store ParamStore) error {
	m.paramTensors = make(map[string]*tensors.Tensor)
	if store == nil {
		return nil
	}

	// Validate every declared dtype before spawning anything: once the reads are in
	// flight the only exit is through wg.Wait, so no goroutine outlives this call.
	type paramJob struct {
		node  *RawNode
		shape shapes.Shape
	}
	var jobs []paramJob
	for _, node := range m.nodes {
		if node.Kind() != KindParameter {
			continue
		}
		dtype, err := dtypeForOneFlow(node.Variable.DType)
		if err != nil {
			return errors.WithMessagef(err, "parameter %q", node.Name)
		}
		jobs = append(jobs, paramJob{node: node, shape: shapes.Make(dtype, node.Variable.Dims...)})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, job := range jobs {
		wg.Add(1)
		go func(node *RawNode, shape shapes.Shape) {
			defer wg.Done()
			tensor, err := store.Materialize(node.OutputPath(), shape)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errors.WithMessagef(err, "materializing parameter %q", node.Name)
				}
				return
			}
			m.paramTensors[node.OutputPath()] = tensor
		}(job.node, job.shape)
	}
	wg.Wait()
	return firstErr
}

// Params returns the tensor for each parameter symbol the last BuildGraph turned
// into a graph input, ready to be fed alongside the primary input(s).
func (m *Model) Params() map[string]*tensors.Tensor {
	return m.params
}

// Inputs returns the names of the declared graph inputs, in declaration order.
func (m *Model) Inputs() []string {
	var names []string
	for _, node := range m.nodes {
		if node.Kind() == KindInput {
			names = append(names, node.Name)
		}
	}
	return names
}

// Outputs returns the names of the declared graph outputs, in declaration order.
func (m *Model) Outputs() []string {
	var names []string
	for _, node := range m.nodes {
		if node.Kind() == KindOutput {
			names = append(names, node.Name)
		}
	}
	return names
}
