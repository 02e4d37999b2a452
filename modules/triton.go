package modules

import (
	"fmt"
	"github.com/okieraised/go-ffhq-alignment/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"gorgonia.org/tensor"
	"time"
)

// inputShape returns the configured dims of the idx-th model input with a
// leading batch dimension of 1.
func inputShape(cfg *triton_proto.ModelConfigResponse, idx int) []int64 {
	dims := cfg.Config.Input[idx].Dims
	shape := make([]int64, 0, len(dims)+1)
	shape = append(shape, 1)
	return append(shape, dims...)
}

func newInferRequest(modelName string, cfg *triton_proto.ModelConfigResponse, inputs ...*tensor.Dense) (*triton_proto.ModelInferRequest, error) {
	if len(inputs) != len(cfg.Config.Input) {
		return nil, fmt.Errorf("model %s expects %d inputs, got %d", modelName, len(cfg.Config.Input), len(inputs))
	}
	modelInputs := make([]*triton_proto.ModelInferRequest_InferInputTensor, 0, len(inputs))
	for idx, inputCfg := range cfg.Config.Input {
		modelInputs = append(modelInputs, &triton_proto.ModelInferRequest_InferInputTensor{
			Name:     inputCfg.Name,
			Datatype: inputCfg.DataType.String()[5:],
			Shape:    inputShape(cfg, idx),
			Contents: &triton_proto.InferTensorContents{
				Fp32Contents: inputs[idx].Float32s(),
			},
		})
	}
	return &triton_proto.ModelInferRequest{
		ModelName: modelName,
		Inputs:    modelInputs,
	}, nil
}

// decodeInferResponse wraps every raw output of resp into a tensor of the
// reported shape.
func decodeInferResponse(resp *triton_proto.ModelInferResponse) ([]*tensor.Dense, error) {
	outputs := make([]*tensor.Dense, 0, len(resp.GetOutputs()))
	if len(resp.GetRawOutputContents()) < len(resp.GetOutputs()) {
		return nil, fmt.Errorf("response has %d outputs but %d raw contents", len(resp.GetOutputs()), len(resp.GetRawOutputContents()))
	}
	for oIdx, output := range resp.GetOutputs() {
		outputShape := make([]int, 0, len(output.Shape))
		for _, shp := range output.Shape {
			outputShape = append(outputShape, int(shp))
		}
		raw := resp.RawOutputContents[oIdx]

		var t *tensor.Dense
		switch output.Datatype {
		case "FP32":
			content, err := utils.BytesToT32[float32](raw)
			if err != nil {
				return nil, fmt.Errorf("output %s: %w", output.Name, err)
			}
			t = tensor.New(
				tensor.Of(tensor.Float32),
				tensor.WithShape(outputShape...),
				tensor.WithBacking(content),
			)
		case "INT32":
			content, err := utils.BytesToT32[int32](raw)
			if err != nil {
				return nil, fmt.Errorf("output %s: %w", output.Name, err)
			}
			t = tensor.New(
				tensor.Of(tensor.Int32),
				tensor.WithShape(outputShape...),
				tensor.WithBacking(content),
			)
		default:
			return nil, fmt.Errorf("output %s: unsupported datatype %s", output.Name, output.Datatype)
		}
		outputs = append(outputs, t)
	}
	return outputs, nil
}

func infer(client *gotritonclient.TritonGRPCClient, modelName string, timeout time.Duration, cfg *triton_proto.ModelConfigResponse, inputs ...*tensor.Dense) ([]*tensor.Dense, error) {
	req, err := newInferRequest(modelName, cfg, inputs...)
	if err != nil {
		return nil, err
	}
	resp, err := client.ModelGRPCInfer(timeout, req)
	if err != nil {
		return nil, err
	}
	return decodeInferResponse(resp)
}
