// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models implements the image classification models, selected by the hyperparameter
// config.ParamModel.
//
// All models take images shaped `[batch_size, height, width, 3]` and return the logits shaped
// `[batch_size, num_classes]`. The models are expected to be built under the ModelScope, and the
// classification head is built in the ClassifierScope below it, so the optimizer can train it with
// a different learning rate than the backbone (see ClassifierVariable).
package models

import (
	"maps"
	"slices"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/xiancls/xiancls/pkg/config"
)

const (
	// ModelScope is the scope where the models are created.
	ModelScope = "model"

	// ClassifierScope is the scope of the classification head, under the model scope.
	ClassifierScope = "classifier"
)

// ModelsFns maps model names to their graph building functions.
var ModelsFns = map[string]train.ModelFn{
	"cnn":         CnnModelGraph,
	"inceptionv3": InceptionV3ModelGraph,
	"resnext":     ResNeXtModelGraph,
	"se_resnext":  SEResNeXtModelGraph,
}

// ValidModels returns the sorted names of the models.
func ValidModels() []string {
	return slices.Sorted(maps.Keys(ModelsFns))
}

// SelectModelFn returns the model function selected by the hyperparameter config.ParamModel.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	modelType := context.GetParamOr(ctx, config.ParamModel, "se_resnext")
	modelFn, found := ModelsFns[modelType]
	if !found {
		return nil, errors.Errorf("parameter %q must take one value from %v, got %q",
			config.ParamModel, ValidModels(), modelType)
	}
	return modelFn, nil
}

// ClassifierVariable returns whether the variable belongs to the classification head.
func ClassifierVariable(v *context.Variable) bool {
	return slices.Contains(strings.Split(v.Scope(), context.ScopeSeparator), ClassifierScope)
}

// classifierHead maps the embeddings, shaped `[batch_size, embedding_dim]`, to the logits.
func classifierHead(ctx *context.Context, embeddings *Node) *Node {
	ctx = ctx.In(ClassifierScope)
	numClasses := context.GetParamOr(ctx, config.ParamNumClasses, 54)
	dropRate := context.GetParamOr(ctx, config.ParamDropRate, 0.0)
	x := embeddings
	if dropRate > 0 {
		x = layers.DropoutStatic(ctx, x, dropRate)
	}
	return layers.Dense(ctx.In("dense"), x, true, numClasses)
}

// globalAveragePool reduces the spatial axes of the images.
func globalAveragePool(x *Node) *Node {
	x.AssertRank(4)
	return ReduceMean(x, 1, 2)
}

// normalize the images according to layers.ParamNormalization.
func normalize(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4)
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "batch")
	switch norm {
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "layer":
		return layers.LayerNormalization(ctx, x, 1, 2).Done()
	case "none", "":
		return x
	}
	Panicf("invalid normalization %q for images, valid values are batch, layer or none", norm)
	return nil
}
