package dataset

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrMalformedRow is returned for a CoNLL-U token line that cannot be parsed.
var ErrMalformedRow = errors.New("malformed conllu row")

const conlluColumns = 10

// #region reader
// Reader reads treebank instances from a path.
type Reader interface {
	Read(ctx context.Context, path string) ([]Instance, error)
}

// ConlluReader parses CoNLL-U files. Multiword token ranges ("1-2") and empty nodes
// ("8.1") are skipped; only FORM, UPOS, HEAD and DEPREL are kept.
type ConlluReader struct {
	// MaxSentences caps how many sentences are read; 0 reads all.
	MaxSentences int
}

// Read parses the file at path. The language of every instance is derived from the
// file name.
func (r ConlluReader) Read(ctx context.Context, path string) ([]Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open treebank: %w", err)
	}
	defer f.Close()

	instances, err := r.Parse(ctx, f, LanguageFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return instances, nil
}

// Parse reads sentences from src, tagging each with language.
func (r ConlluReader) Parse(ctx context.Context, src io.Reader, language string) ([]Instance, error) {
	var (
		out  []Instance
		cur  = Instance{Language: language}
		line int
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur)
		}
		cur = Instance{Language: language}
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			flush()
			if r.MaxSentences > 0 && len(out) >= r.MaxSentences {
				return out, nil
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(text, "#") {
			continue
		}

		record := strings.Split(text, "\t")
		if len(record) != conlluColumns {
			return nil, fmt.Errorf("line %d: %d columns: %w", line, len(record), ErrMalformedRow)
		}
		if strings.Contains(record[0], "-") || strings.Contains(record[0], ".") {
			continue
		}
		head, err := strconv.Atoi(record[6])
		if err != nil {
			return nil, fmt.Errorf("line %d: head %q: %w", line, record[6], ErrMalformedRow)
		}
		cur.Words = append(cur.Words, record[1])
		cur.POS = append(cur.POS, record[3])
		cur.Heads = append(cur.Heads, head)
		cur.Labels = append(cur.Labels, record[7])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	flush()
	if r.MaxSentences > 0 && len(out) > r.MaxSentences {
		out = out[:r.MaxSentences]
	}
	return out, nil
}

// #endregion
