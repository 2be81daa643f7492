// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threestage

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// OptimizerScope is the absolute scope of the StagedOptimizer variables: the epoch counter, one
// sub-scope per stage with its step counter and learning rate, and the moments of the variables.
const OptimizerScope = "staged_optimizer"

// EpochVariableName holds the current epoch (a float32 scalar) under OptimizerScope. It drives the
// learning rate decay and is saved with the checkpoints, so a resumed training continues the schedule.
const EpochVariableName = "epoch"

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// StagedOptimizer implements optimizers.Interface with one optimizer per Stage. Each variable is
// assigned to the stage of its scope (see StageOf), and updated with the stage's optimizer and learning
// rate, given by LearningRate * Decay^epoch.
type StagedOptimizer struct {
	stages      [NumStages]StageConfig
	weightDecay float64
}

var _ optimizers.Interface = (*StagedOptimizer)(nil)

// NewStagedOptimizer creates the optimizer for the stages and weight decay of cfg.
func NewStagedOptimizer(cfg Config) *StagedOptimizer {
	return &StagedOptimizer{stages: cfg.Stages, weightDecay: cfg.WeightDecay}
}

// StageOf returns the stage owning the variable in the given scope, or false if the scope is not
// under one of the stages of the model.
func StageOf(scope string) (Stage, bool) {
	for stage := range NumStages {
		prefix := context.ScopeSeparator + ModelScope + context.ScopeSeparator + stage.String()
		if scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator) {
			return stage, true
		}
	}
	return 0, false
}

// epochVar returns the epoch variable, creating it if needed.
func epochVar(ctx *context.Context) *context.Variable {
	return ctx.InAbsPath(context.ScopeSeparator+OptimizerScope).Checked(false).
		VariableWithValue(EpochVariableName, float32(0)).SetTrainable(false)
}

// Epoch returns the current epoch stored in the context.
func Epoch(ctx *context.Context) int {
	return int(tensors.ToScalar[float32](epochVar(ctx).MustValue()))
}

// SetEpoch sets the epoch used in the learning rate schedule.
func SetEpoch(ctx *context.Context, epoch int) error {
	return epochVar(ctx).SetValue(tensors.FromScalar(float32(epoch)))
}

// LearningRate returns the learning rate of the stage for the given epoch.
func (o *StagedOptimizer) LearningRate(stage Stage, epoch int) float64 {
	sc := o.stages[stage]
	lr := sc.LearningRate
	for range epoch {
		lr *= sc.Decay
	}
	return lr
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *StagedOptimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("StagedOptimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("StagedOptimizer: no trainable variables to optimize")
	}
	dtype := loss.DType()
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	optCtx := ctx.InAbsPath(context.ScopeSeparator + OptimizerScope).Checked(false)
	epoch := epochVar(ctx).ValueGraph(g)
	if epoch.DType() != dtype {
		epoch = ConvertDType(epoch, dtype)
	}

	// Per-stage step counter (for Adam debiasing) and learning rate.
	var steps, learningRates [NumStages]*Node
	for stage := range NumStages {
		sc := o.stages[stage]
		stageCtx := optCtx.In(stage.String())
		steps[stage] = optimizers.IncrementGlobalStepGraph(stageCtx, g, dtype)
		lr := Mul(Scalar(g, dtype, sc.LearningRate), Pow(Scalar(g, dtype, sc.Decay), epoch))
		lrVar := stageCtx.VariableWithValue(optimizers.ParamLearningRate, shapes.CastAsDType(sc.LearningRate, dtype)).
			SetTrainable(false)
		lrVar.SetValueGraph(lr)
		learningRates[stage] = lr
	}

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx >= numTrainable {
			varIdx++
			continue
		}
		stage, found := StageOf(v.Scope())
		if !found {
			exceptions.Panicf("StagedOptimizer: trainable variable %q is not in the scope of any stage", v.ParameterName())
		}
		o.applyGraph(optCtx, g, v, stage, dtype, grads[varIdx], learningRates[stage], steps[stage])
		varIdx++
	}
	if varIdx != numTrainable {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"StagedOptimizer sees %d variables -- were new variables created in between ?",
			numTrainable, varIdx)
	}
}

// applyGraph updates one variable with the optimizer of its stage.
func (o *StagedOptimizer) applyGraph(optCtx *context.Context, g *Graph, v *context.Variable, stage Stage,
	dtype dtypes.DType, grad, learningRate, step *Node) {
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	optimizers.TraceNaNInGradients(optCtx, v, grad)
	grad = optimizers.ClipNaNsInGradients(optCtx, grad)
	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}

	var stepDirection *Node
	switch o.stages[stage].Optim {
	case OptimSGD:
		if o.weightDecay > 0 {
			grad = Add(grad, MulScalar(value, o.weightDecay))
		}
		stepDirection = Mul(learningRate, grad)

	case OptimAdam, OptimAdamW:
		if o.stages[stage].Optim == OptimAdam && o.weightDecay > 0 {
			// Adam: L2 penalty added to the gradient, and hence scaled by the moments.
			grad = Add(grad, MulScalar(value, o.weightDecay))
		}
		m1Var, m2Var := momentVariables(optCtx, v, dtype)
		beta1 := Scalar(g, dtype, adamBeta1)
		beta2 := Scalar(g, dtype, adamBeta2)
		moment1 := Add(Mul(beta1, m1Var.ValueGraph(g)), Mul(OneMinus(beta1), grad))
		moment2 := Add(Mul(beta2, m2Var.ValueGraph(g)), Mul(OneMinus(beta2), Square(grad)))
		m1Var.SetValueGraph(moment1)
		m2Var.SetValueGraph(moment2)
		debiased1 := Mul(moment1, Reciprocal(OneMinus(Pow(beta1, step))))
		debiased2 := Mul(moment2, Reciprocal(OneMinus(Pow(beta2, step))))
		stepDirection = Div(Mul(learningRate, debiased1), Add(Sqrt(debiased2), Scalar(g, dtype, adamEpsilon)))
		if o.stages[stage].Optim == OptimAdamW && o.weightDecay > 0 {
			// AdamW: decoupled weight decay, scaled by the learning rate only.
			stepDirection = Add(stepDirection, Mul(learningRate, MulScalar(value, o.weightDecay)))
		}

	default:
		exceptions.Panicf("StagedOptimizer: unknown optimizer %q for stage %s", o.stages[stage].Optim, stage)
	}
	stepDirection = optimizers.ClipStepByValue(optCtx, stepDirection)

	updated := Sub(value, stepDirection)
	updated = optimizers.ClipNaNsInUpdates(optCtx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// momentVariables returns the 1st and 2nd moments of the trainable variable, stored under
// OptimizerScope followed by the variable's own scope.
func momentVariables(optCtx *context.Context, trainable *context.Variable, dtype dtypes.DType) (m1, m2 *context.Variable) {
	scopePath := context.ScopeSeparator + OptimizerScope + trainable.Scope()
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	momentsCtx := optCtx.InAbsPath(scopePath).Checked(false).WithInitializer(initializers.Zero)
	m1 = momentsCtx.VariableWithShape(fmt.Sprintf("%s_1st_moment", trainable.Name()), shape).SetTrainable(false)
	m2 = momentsCtx.VariableWithShape(fmt.Sprintf("%s_2nd_moment", trainable.Name()), shape).SetTrainable(false)
	return
}

// Clear all optimizer variables, including the epoch, and the global step.
// It implements optimizers.Interface.
func (o *StagedOptimizer) Clear(ctx *context.Context) error {
	if err := ctx.InAbsPath(context.ScopeSeparator + OptimizerScope).DeleteVariablesInScope(); err != nil {
		return errors.WithMessage(err, "StagedOptimizer.Clear")
	}
	return optimizers.DeleteGlobalStep(ctx)
}
