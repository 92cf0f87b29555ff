package parser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
)

const stateVersion = 1

// #region state
type savedParam struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

type savedState struct {
	Version int                   `json:"version"`
	Config  Config                `json:"config"`
	Params  map[string]savedParam `json:"params"`
}

// State serializes the config and every parameter by name.
func (p *Parser) State(_ context.Context) ([]byte, error) {
	s := savedState{Version: stateVersion, Config: p.cfg, Params: make(map[string]savedParam)}
	for _, prm := range p.Parameters() {
		s.Params[prm.Name] = savedParam{Rows: prm.Rows, Cols: prm.Cols, Data: prm.Data}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal parser state: %w", err)
	}
	return b, nil
}

// LoadState restores parameters saved by State. Embedding tables take the saved row
// count, which becomes the trained size; every other matrix must match in shape.
func (p *Parser) LoadState(_ context.Context, state []byte) error {
	var s savedState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("unmarshal parser state: %w", err)
	}
	if s.Version != stateVersion {
		return fmt.Errorf("load state version %d: %w", s.Version, ErrStateVersion)
	}

	for _, prm := range p.Parameters() {
		saved, ok := s.Params[prm.Name]
		if !ok {
			return fmt.Errorf("load state: missing %s", prm.Name)
		}
		if saved.Cols != prm.Cols || len(saved.Data) != saved.Rows*saved.Cols {
			return fmt.Errorf("load state: %s shape %dx%d", prm.Name, saved.Rows, saved.Cols)
		}
		embedding := prm == p.words || prm == p.pos
		if !embedding && saved.Rows != prm.Rows {
			return fmt.Errorf("load state: %s has %d rows, want %d", prm.Name, saved.Rows, prm.Rows)
		}
		prm.Rows = saved.Rows
		prm.Data = append([]float64(nil), saved.Data...)
		prm.Grad = make([]float64, len(prm.Data))
	}
	p.trained[vocab.TokensNamespace] = p.words.Rows
	p.trained[vocab.POSNamespace] = p.pos.Rows
	p.tape = p.tape[:0]
	return nil
}

// Load builds a parser for v from a State blob, taking its config from the blob.
func Load(ctx context.Context, v *vocab.Vocabulary, state []byte) (*Parser, error) {
	var head struct {
		Config Config `json:"config"`
	}
	if err := json.Unmarshal(state, &head); err != nil {
		return nil, fmt.Errorf("unmarshal parser config: %w", err)
	}
	p, err := New(v, head.Config)
	if err != nil {
		return nil, err
	}
	if err := p.LoadState(ctx, state); err != nil {
		return nil, err
	}
	return p, nil
}

// #endregion
