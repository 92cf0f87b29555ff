package model

import "fmt"

// #region move-to-device
// MoveToDevice hands batch to m's Placer when it has one. Models without a Placer run
// on host memory and receive the batch unchanged.
func MoveToDevice(m Model, batch Batch, device string) (Batch, error) {
	p, ok := m.(Placer)
	if !ok || device == "" || device == "cpu" {
		return batch, nil
	}
	out, err := p.Place(batch, device)
	if err != nil {
		return nil, fmt.Errorf("move batch to %s: %w", device, err)
	}
	return out, nil
}

// #endregion
