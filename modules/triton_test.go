package modules

import (
	"encoding/binary"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"gorgonia.org/tensor"
	"math"
	"testing"
)

const (
	tritonTestURL = "127.0.0.1:8301"
)

// newTestTritonClient connects to the local test server. Tests that need a
// model skip themselves when the model configuration cannot be fetched.
func newTestTritonClient(t *testing.T) *gotritonclient.TritonGRPCClient {
	t.Helper()
	triton, err := gotritonclient.NewTritonGRPCClient(
		tritonTestURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{PermitWithoutStream: true}),
	)
	if err != nil {
		t.Skipf("triton unavailable at %s: %v", tritonTestURL, err)
	}
	return triton
}

func float32Bytes(vals ...float32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func int32Bytes(vals ...int32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, uint32(v))
	}
	return out
}

func TestDecodeInferResponse(t *testing.T) {
	resp := &triton_proto.ModelInferResponse{
		Outputs: []*triton_proto.ModelInferResponse_InferOutputTensor{
			{Name: "num_dets", Datatype: "INT32", Shape: []int64{1, 1}},
			{Name: "scores", Datatype: "FP32", Shape: []int64{1, 3}},
		},
		RawOutputContents: [][]byte{
			int32Bytes(2),
			float32Bytes(0.9, 0.25, 0.75),
		},
	}

	outputs, err := decodeInferResponse(resp)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	assert.Equal(t, tensor.Shape{1, 1}, outputs[0].Shape())
	assert.Equal(t, []int32{2}, outputs[0].Data())
	assert.Equal(t, tensor.Shape{1, 3}, outputs[1].Shape())
	assert.Equal(t, []float32{0.9, 0.25, 0.75}, outputs[1].Float32s())
}

func TestDecodeInferResponse_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp *triton_proto.ModelInferResponse
	}{
		{
			name: "missing raw contents",
			resp: &triton_proto.ModelInferResponse{
				Outputs: []*triton_proto.ModelInferResponse_InferOutputTensor{{Name: "a", Datatype: "FP32", Shape: []int64{1}}},
			},
		},
		{
			name: "truncated buffer",
			resp: &triton_proto.ModelInferResponse{
				Outputs:           []*triton_proto.ModelInferResponse_InferOutputTensor{{Name: "a", Datatype: "FP32", Shape: []int64{1}}},
				RawOutputContents: [][]byte{{1, 2, 3}},
			},
		},
		{
			name: "unsupported datatype",
			resp: &triton_proto.ModelInferResponse{
				Outputs:           []*triton_proto.ModelInferResponse_InferOutputTensor{{Name: "a", Datatype: "BYTES", Shape: []int64{1}}},
				RawOutputContents: [][]byte{{1, 2, 3, 4}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeInferResponse(tt.resp)
			assert.Error(t, err)
		})
	}
}

func TestNewInferRequest(t *testing.T) {
	cfg := &triton_proto.ModelConfigResponse{
		Config: &triton_proto.ModelConfig{
			Input: []*triton_proto.ModelInput{
				{Name: "input.1", DataType: triton_proto.DataType_TYPE_FP32, Dims: []int64{3, 2, 2}},
			},
		},
	}
	input := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(3, 2, 2), tensor.WithBacking(make([]float32, 12)))

	req, err := newInferRequest("face_landmark_68", cfg, input)
	require.NoError(t, err)
	assert.Equal(t, "face_landmark_68", req.ModelName)
	require.Len(t, req.Inputs, 1)
	assert.Equal(t, "input.1", req.Inputs[0].Name)
	assert.Equal(t, "FP32", req.Inputs[0].Datatype)
	assert.Equal(t, []int64{1, 3, 2, 2}, req.Inputs[0].Shape)
	assert.Len(t, req.Inputs[0].Contents.Fp32Contents, 12)

	_, err = newInferRequest("face_landmark_68", cfg)
	assert.Error(t, err)
}
