package parser

import "errors"

var (
	// ErrNoForward is returned by Backward when no training Forward preceded it.
	ErrNoForward = errors.New("backward without a training forward pass")
	// ErrUnknownEmbedder is returned for a namespace without an embedding table.
	ErrUnknownEmbedder = errors.New("no embedder for namespace")
	// ErrBadHead is returned when a gold head points outside its sentence.
	ErrBadHead = errors.New("head index out of range")
	// ErrStateVersion is returned when a saved state has an unsupported layout.
	ErrStateVersion = errors.New("unsupported parser state version")
)

// #region config
// Config sizes the reference parser.
type Config struct {
	WordDim   int      `json:"word_dim"`   // word embedding width (default 32)
	POSDim    int      `json:"pos_dim"`    // POS embedding width (default 16)
	Seed      uint64   `json:"seed"`       // initialisation seed
	IgnorePOS []string `json:"ignore_pos"` // tags excluded from attachment scores
}

// DefaultConfig returns a small parser that trains in seconds on CPU.
func DefaultConfig() Config {
	return Config{
		WordDim:   32,
		POSDim:    16,
		Seed:      13370,
		IgnorePOS: []string{"PUNCT", "SYM"},
	}
}

// #endregion

// #region tape
// sentenceTape keeps what Backward needs from one training sentence.
type sentenceTape struct {
	words  []int
	pos    []int
	x      [][]float64 // (n+1) x d, row 0 is the root
	g      [][]float64 // g[m] = U x_m + b for m >= 1
	p      [][]float64 // head distribution per modifier
	q      [][]float64 // label distribution per modifier at the gold head
	heads  []int
	labels []int
	scale  float64
}

// #endregion
