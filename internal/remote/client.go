package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/metrics"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const servicePrefix = "/xling.parser.v1.ModelService/"

// #region client-struct
// Model forwards the model contract to a parser service over gRPC. Requests and
// replies are google.protobuf.Struct messages.
type Model struct {
	conn    grpc.ClientConnInterface
	close   func() error
	vocab   *vocab.Vocabulary
	timeout time.Duration
}

var _ model.Model = (*Model)(nil)

// #endregion

// #region constructor
// Dial connects to the parser service at addr.
func Dial(addr string, v *vocab.Vocabulary) (*Model, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Model{conn: conn, close: conn.Close, vocab: v}, nil
}

// NewWithConn creates a Model over an existing connection.
// Used for testing without a real gRPC server.
func NewWithConn(conn grpc.ClientConnInterface, v *vocab.Vocabulary) *Model {
	return &Model{conn: conn, vocab: v}
}

// SetTimeout bounds every call; zero leaves deadlines to the caller's context.
func (m *Model) SetTimeout(d time.Duration) {
	m.timeout = d
}

// #endregion

// #region close
// Close shuts down the gRPC connection when Dial opened it.
func (m *Model) Close() error {
	if m.close == nil {
		return nil
	}
	return m.close()
}

// #endregion

// #region invoke
func (m *Model) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	out := &structpb.Struct{}
	if err := m.conn.Invoke(ctx, servicePrefix+method, in, out); err != nil {
		return nil, fmt.Errorf("%s rpc: %w", method, err)
	}
	return out, nil
}

// #endregion

// #region model-calls
// Forward sends a batch and returns the loss and predictions.
func (m *Model) Forward(ctx context.Context, batch model.Batch, mode model.Mode) (model.Output, error) {
	resp, err := m.invoke(ctx, "Forward", map[string]any{
		"batch": encodeBatch(batch),
		"mode":  mode.String(),
	})
	if err != nil {
		return model.Output{}, err
	}
	f := resp.GetFields()
	return model.Output{
		Loss:   f["loss"].GetNumberValue(),
		Heads:  decodeMatrix(f["heads"]),
		Labels: decodeMatrix(f["labels"]),
	}, nil
}

// Backward runs backpropagation for the last training Forward on the service.
func (m *Model) Backward(ctx context.Context) error {
	_, err := m.invoke(ctx, "Backward", nil)
	return err
}

// Metrics fetches the model's accumulated metrics.
func (m *Model) Metrics(ctx context.Context, reset bool) (metrics.Metrics, error) {
	resp, err := m.invoke(ctx, "Metrics", map[string]any{"reset": reset})
	if err != nil {
		return nil, err
	}
	out := metrics.Metrics{}
	for k, v := range resp.GetFields()["metrics"].GetStructValue().GetFields() {
		out[k] = v.GetNumberValue()
	}
	return out, nil
}

// ResizeEmbedder asks the service to resize an embedding table.
func (m *Model) ResizeEmbedder(ctx context.Context, namespace string, rows int) error {
	_, err := m.invoke(ctx, "ResizeEmbedder", map[string]any{"namespace": namespace, "rows": rows})
	return err
}

// EmbeddingRows reads the row count of an embedding table.
func (m *Model) EmbeddingRows(ctx context.Context, namespace string) (int, error) {
	resp, err := m.invoke(ctx, "EmbeddingRows", map[string]any{"namespace": namespace})
	if err != nil {
		return 0, err
	}
	return int(resp.GetFields()["rows"].GetNumberValue()), nil
}

// Vocab returns the active vocabulary. The service only sees ids.
func (m *Model) Vocab() *vocab.Vocabulary { return m.vocab }

// SetVocab swaps the active vocabulary.
func (m *Model) SetVocab(v *vocab.Vocabulary) { m.vocab = v }

// State downloads the serialized model weights.
func (m *Model) State(ctx context.Context) ([]byte, error) {
	return m.fetchBlob(ctx, "State")
}

// LoadState uploads serialized model weights.
func (m *Model) LoadState(ctx context.Context, state []byte) error {
	_, err := m.invoke(ctx, "LoadState", map[string]any{"state": base64.StdEncoding.EncodeToString(state)})
	return err
}

func (m *Model) fetchBlob(ctx context.Context, method string) ([]byte, error) {
	resp, err := m.invoke(ctx, method, nil)
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(resp.GetFields()["state"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", method, err)
	}
	return b, nil
}

// #endregion

// #region optimizer
// Optimizer drives the optimizer that lives next to the remote model.
type Optimizer struct {
	m *Model
}

var _ model.Optimizer = (*Optimizer)(nil)

// Optimizer returns the service-side optimizer handle.
func (m *Model) Optimizer() *Optimizer { return &Optimizer{m: m} }

// ZeroGrad clears gradients on the service.
func (o *Optimizer) ZeroGrad(ctx context.Context) error {
	_, err := o.m.invoke(ctx, "ZeroGrad", nil)
	return err
}

// Step applies one optimizer update on the service.
func (o *Optimizer) Step(ctx context.Context) error {
	_, err := o.m.invoke(ctx, "OptimizerStep", nil)
	return err
}

// State downloads the serialized optimizer state.
func (o *Optimizer) State(ctx context.Context) ([]byte, error) {
	return o.m.fetchBlob(ctx, "OptimizerState")
}

// LoadState uploads serialized optimizer state.
func (o *Optimizer) LoadState(ctx context.Context, state []byte) error {
	_, err := o.m.invoke(ctx, "LoadOptimizerState", map[string]any{"state": base64.StdEncoding.EncodeToString(state)})
	return err
}

// #endregion

// #region encoding
func encodeBatch(b model.Batch) map[string]any {
	out := make(map[string]any, len(b))
	for k, rows := range b {
		list := make([]any, len(rows))
		for i, row := range rows {
			vals := make([]any, len(row))
			for j, v := range row {
				vals[j] = v
			}
			list[i] = vals
		}
		out[k] = list
	}
	return out
}

func decodeMatrix(v *structpb.Value) [][]int {
	rows := v.GetListValue().GetValues()
	out := make([][]int, len(rows))
	for i, r := range rows {
		cells := r.GetListValue().GetValues()
		out[i] = make([]int, len(cells))
		for j, c := range cells {
			out[i][j] = int(c.GetNumberValue())
		}
	}
	return out
}

// #endregion
