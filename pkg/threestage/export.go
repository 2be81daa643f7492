// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package threestage

import (
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/threestage/pkg/imagedata"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Keys of the arrays saved by SaveAllLogitsEmbeds.
const (
	ExportLogitsKey  = "logits"
	ExportEmbedsKey  = "embeds"
	ExportLabelsKey  = "labels"
	ExportIndicesKey = "indices"
)

// SaveAllLogitsEmbeds runs the model (in inference mode, with the evaluation transform) over every
// example of the train, validation and holdout indices, in that order, and saves to path a .npz file with:
//
//   - "logits": float32 [N, num_classes]
//   - "embeds": float32 [N, embedding_dim]
//   - "labels": int64 [N]
//   - "indices": int64 [N], the position of each row in the dataset.
func (n *Network) SaveAllLogitsEmbeds(path string) error {
	if n.dataset == nil {
		return errors.New("threestage: SetupData must be called before SaveAllLogitsEmbeds")
	}
	all := slices.Concat(n.set.Train, n.set.Val, n.set.Holdout)
	sampler, err := n.evalSampler("export", "exp", all, nil)
	if err != nil {
		return err
	}
	if sampler == nil {
		return errors.New("threestage: no examples to export")
	}

	var result map[string]*tensors.Tensor
	var exportErr error
	err = exceptions.TryCatch[error](func() { result, exportErr = n.exportOutputs(sampler, len(all)) })
	if err != nil {
		return errors.WithMessage(err, "threestage: failed to export logits and embeddings")
	}
	if exportErr != nil {
		return exportErr
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	if err = numpy.ToNpzFile(result, path); err != nil {
		return errors.WithMessagef(err, "failed to save %q", path)
	}
	klog.Infof("Saved logits and embeddings of %d examples to %q", len(all), path)
	return nil
}

// exportOutputs runs the model over all batches of the sampler and collects the flat outputs.
func (n *Network) exportOutputs(sampler *imagedata.Sampler, numExamples int) (map[string]*tensors.Tensor, error) {
	n.built = true
	exec, err := context.NewExec(n.backend, n.modelContext().Reuse(), func(ctx *context.Context, images *Node) []*Node {
		outputs := n.ModelGraph(ctx, nil, []*Node{images})
		return []*Node{
			ConvertDType(outputs[OutputLogits], dtypes.Float32),
			ConvertDType(outputs[OutputEmbeddings], dtypes.Float32),
		}
	})
	if err != nil {
		return nil, err
	}
	defer exec.Finalize()

	numClasses, embeddingDim := n.cfg.NumClasses, n.cfg.EmbeddingDim
	logits := make([]float32, 0, numExamples*numClasses)
	embeds := make([]float32, 0, numExamples*embeddingDim)
	flatLabels := make([]int64, 0, numExamples)
	positions := make([]int64, 0, numExamples)
	bar := progressbar.Default(int64(numExamples), "exporting")
	for {
		_, inputs, batchLabels, err := sampler.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		outputs, _, err := exec.ExecWithGraph(inputs[0])
		batchPositions := tensors.MustCopyFlatData[int32](inputs[1])
		flatBatchLabels := tensors.MustCopyFlatData[int32](batchLabels[0])
		for _, t := range slices.Concat(inputs, batchLabels) {
			t.MustFinalizeAll()
		}
		if err != nil {
			return nil, err
		}
		logits = append(logits, tensors.MustCopyFlatData[float32](outputs[0])...)
		embeds = append(embeds, tensors.MustCopyFlatData[float32](outputs[1])...)
		for _, t := range outputs {
			t.MustFinalizeAll()
		}
		for ii, label := range flatBatchLabels {
			flatLabels = append(flatLabels, int64(label))
			positions = append(positions, int64(batchPositions[ii]))
		}
		_ = bar.Add(len(flatBatchLabels))
	}
	_ = bar.Finish()
	numRows := len(flatLabels)
	if numRows != numExamples {
		return nil, errors.Errorf("exported %d examples, expected %d", numRows, numExamples)
	}
	return map[string]*tensors.Tensor{
		ExportLogitsKey:  tensors.FromFlatDataAndDimensions(logits, numRows, numClasses),
		ExportEmbedsKey:  tensors.FromFlatDataAndDimensions(embeds, numRows, embeddingDim),
		ExportLabelsKey:  tensors.FromFlatDataAndDimensions(flatLabels, numRows),
		ExportIndicesKey: tensors.FromFlatDataAndDimensions(positions, numRows),
	}, nil
}
