package dataset

import "github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"

// #region loader
// Loader yields padded batches over a fixed instance order. Every call to Batches
// starts a fresh pass.
type Loader struct {
	instances []IndexedInstance
	batchSize int
}

// NewLoader returns a loader; a batchSize below 1 is treated as 1.
func NewLoader(instances []IndexedInstance, batchSize int) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Loader{instances: instances, batchSize: batchSize}
}

// Len returns the number of batches in one pass.
func (l *Loader) Len() int {
	return (len(l.instances) + l.batchSize - 1) / l.batchSize
}

// Instances returns the number of instances.
func (l *Loader) Instances() int { return len(l.instances) }

// Batches returns all batches of one pass in order.
func (l *Loader) Batches() []model.Batch {
	out := make([]model.Batch, 0, l.Len())
	for start := 0; start < len(l.instances); start += l.batchSize {
		end := min(start+l.batchSize, len(l.instances))
		out = append(out, Collate(l.instances[start:end]))
	}
	return out
}

// #endregion

// #region collate
// Collate pads instances to the longest sentence. Padding positions hold 0 and are
// masked out.
func Collate(instances []IndexedInstance) model.Batch {
	width := 0
	for _, in := range instances {
		width = max(width, len(in.Words))
	}
	b := model.Batch{
		model.WordsKey:       make([][]int, len(instances)),
		model.POSKey:         make([][]int, len(instances)),
		model.HeadIndicesKey: make([][]int, len(instances)),
		model.HeadTagsKey:    make([][]int, len(instances)),
		model.MaskKey:        make([][]int, len(instances)),
	}
	for i, in := range instances {
		b[model.WordsKey][i] = pad(in.Words, width)
		b[model.POSKey][i] = pad(in.POS, width)
		b[model.HeadIndicesKey][i] = pad(in.Heads, width)
		b[model.HeadTagsKey][i] = pad(in.Labels, width)
		mask := make([]int, width)
		for j := range in.Words {
			mask[j] = 1
		}
		b[model.MaskKey][i] = mask
	}
	return b
}

func pad(row []int, width int) []int {
	out := make([]int, width)
	copy(out, row)
	return out
}

// #endregion
