package vocab

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const closedNamespacesFile = "non_padded_namespaces.txt"

// #region save
// SaveToFiles writes one <namespace>.txt per namespace plus the list of closed
// namespaces. Padded namespaces omit the padding token, which LoadFromFiles restores.
func (v *Vocabulary) SaveToFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create vocabulary dir: %w", err)
	}

	var closed []string
	for ns := range v.closed {
		closed = append(closed, ns)
	}
	sort.Strings(closed)
	if err := writeLines(filepath.Join(dir, closedNamespacesFile), closed); err != nil {
		return err
	}

	for _, ns := range v.Namespaces() {
		toks := v.indexToToken[ns]
		if !v.closed[ns] && len(toks) > 0 {
			toks = toks[1:]
		}
		if err := writeLines(filepath.Join(dir, ns+".txt"), toks); err != nil {
			return err
		}
	}
	return nil
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

// #endregion

// #region load
// LoadFromFiles reads a vocabulary written by SaveToFiles.
func LoadFromFiles(dir string) (*Vocabulary, error) {
	closed, err := readLines(filepath.Join(dir, closedNamespacesFile))
	if err != nil {
		return nil, err
	}
	closedSet := make(map[string]bool, len(closed))
	for _, ns := range closed {
		closedSet[ns] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary dir: %w", err)
	}

	v := New()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == closedNamespacesFile || !strings.HasSuffix(name, ".txt") {
			continue
		}
		ns := strings.TrimSuffix(name, ".txt")
		toks, err := readLines(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}

		v.tokenToIndex[ns] = make(map[string]int)
		v.indexToToken[ns] = nil
		if closedSet[ns] {
			v.closed[ns] = true
		} else {
			v.AddToken(ns, PaddingToken)
		}
		for _, t := range toks {
			v.AddToken(ns, t)
		}
	}
	return v, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return lines, nil
}

// #endregion
