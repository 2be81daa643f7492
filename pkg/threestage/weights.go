// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threestage

import (
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// stageFilter is a context.Loader that serves variables from a pretrained checkpoint only for the
// selected scopes: other variables are delegated to the loader installed before the pretrained
// checkpoint (usually the training checkpoints), or left to be initialized.
type stageFilter struct {
	prev, weights  context.Loader
	loadClassifier bool
	loadOptimizers bool
}

var _ context.Loader = (*stageFilter)(nil)

// accepts returns whether the pretrained value of the variable in scope should be used.
func (f *stageFilter) accepts(scope string) bool {
	modelPrefix := context.ScopeSeparator + ModelScope
	inModel := scope == modelPrefix || strings.HasPrefix(scope, modelPrefix+context.ScopeSeparator)
	if !inModel {
		// Optimizer state, global step, trainer state.
		return f.loadOptimizers
	}
	if stage, found := StageOf(scope); found && stage == StageClassifier {
		return f.loadClassifier
	}
	return true
}

// LoadVariable implements context.Loader.
func (f *stageFilter) LoadVariable(ctx *context.Context, scope, name string) (*tensors.Tensor, bool) {
	if !f.accepts(scope) {
		if f.prev == nil {
			return nil, false
		}
		return f.prev.LoadVariable(ctx, scope, name)
	}
	// The checkpoint handler consults the previous loader first.
	return f.weights.LoadVariable(ctx, scope, name)
}

// DeleteVariable implements context.Loader.
func (f *stageFilter) DeleteVariable(ctx *context.Context, scope, name string) error {
	return f.weights.DeleteVariable(ctx, scope, name)
}

// LoadWeights loads the pretrained weights from the checkpoint directory dir.
//
// If loadClassifier is false, the classifier variables are not loaded (e.g. pretrained on a different
// set of classes). If loadOptimizers is false, only model variables are loaded: the optimizer state,
// its epoch counter and the global step start afresh.
//
// It must be called before the model graph is first built. Variables from the training checkpoints
// (see Config.ModelsDir), if any, take precedence, so resuming a training keeps its progress.
func (n *Network) LoadWeights(dir string, loadClassifier, loadOptimizers bool) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "weights directory %q", dir)
	}
	if !fi.IsDir() {
		return errors.Errorf("weights path %q is not a directory", dir)
	}
	if n.built {
		return errors.New("LoadWeights must be called before the model is built (before Train)")
	}
	prev := n.ctx.Loader()
	handler, err := checkpoints.Load(n.ctx).Dir(dir).ExcludeAllParams().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load weights from %q", dir)
	}
	filter := &stageFilter{
		prev:           prev,
		weights:        handler,
		loadClassifier: loadClassifier,
		loadOptimizers: loadOptimizers,
	}
	n.ctx.SetLoader(filter)
	n.pretrained = true

	var accepted, skipped int
	for paramName := range handler.LoadedVariables() {
		scope, _ := context.VariableScopeAndNameFromParameterName(paramName)
		if filter.accepts(scope) {
			accepted++
		} else {
			skipped++
		}
	}
	if accepted == 0 {
		return errors.Errorf("no usable variables in the weights at %q (%d skipped)", dir, skipped)
	}
	klog.Infof("Loaded weights from %q: %d variables selected, %d skipped (loadClassifier=%v, loadOptimizers=%v)",
		handler.Dir(), accepted, skipped, loadClassifier, loadOptimizers)
	return nil
}
