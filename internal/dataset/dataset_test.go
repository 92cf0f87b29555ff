package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/model"
	"github.com/danielpatrickdp/xling-parser/go-trainer/internal/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `# sent_id = 1
# text = The dog barks.
1	The	the	DET	DT	_	2	det	_	_
2	dog	dog	NOUN	NN	_	3	nsubj	_	_
3	barks	bark	VERB	VBZ	_	0	root	_	_
4	.	.	PUNCT	.	_	3	punct	_	_

# sent_id = 2
1-2	du	_	_	_	_	_	_	_	_
1	de	de	ADP	_	_	3	case	_	_
2	le	le	DET	_	_	3	det	_	_
3	chat	chat	NOUN	_	_	0	root	_	_
3.1	mange	manger	VERB	_	_	_	_	_	_
`

// #region reader-tests
func TestParse_SkipsCommentsRangesAndEmptyNodes(t *testing.T) {
	got, err := ConlluReader{}.Parse(context.Background(), strings.NewReader(sample), "en")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, []string{"The", "dog", "barks", "."}, got[0].Words)
	assert.Equal(t, []string{"DET", "NOUN", "VERB", "PUNCT"}, got[0].POS)
	assert.Equal(t, []int{2, 3, 0, 3}, got[0].Heads)
	assert.Equal(t, []string{"det", "nsubj", "root", "punct"}, got[0].Labels)

	assert.Equal(t, []string{"de", "le", "chat"}, got[1].Words)
	assert.Equal(t, "en", got[1].Language)
}

func TestParse_MaxSentences(t *testing.T) {
	got, err := ConlluReader{MaxSentences: 1}.Parse(context.Background(), strings.NewReader(sample), "en")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestParse_MalformedRow(t *testing.T) {
	_, err := ConlluReader{}.Parse(context.Background(), strings.NewReader("1\tonly\tthree\n"), "en")
	assert.ErrorIs(t, err, ErrMalformedRow)

	bad := "1\tx\tx\tX\t_\t_\tnope\tdep\t_\t_\n"
	_, err = ConlluReader{}.Parse(context.Background(), strings.NewReader(bad), "en")
	assert.ErrorIs(t, err, ErrMalformedRow)
}

func TestRead_DerivesLanguageFromFileName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fr_gsd-ud-test.conllu")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	got, err := ConlluReader{}.Read(context.Background(), path)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "fr", got[0].Language)
}

func TestLanguageFromPath(t *testing.T) {
	assert.Equal(t, "fr", LanguageFromPath("data/ud/fr_gsd-ud-test.conllu"))
	assert.Equal(t, "en", LanguageFromPath("en_pud.conllu"))
	assert.Equal(t, "plain", LanguageFromPath("/tmp/plain.conllu"))
}

// #endregion

// #region index-tests
func TestIndexAndCollate(t *testing.T) {
	instances, err := ConlluReader{}.Parse(context.Background(), strings.NewReader(sample), "en")
	require.NoError(t, err)
	v := vocab.FromInstances(Sources(instances[:1]))

	_, err = Index(instances, v)
	assert.ErrorIs(t, err, vocab.ErrUnknownLabel, "case/det of sentence 2 were never seen")

	indexed, err := Index(instances[:1], v)
	require.NoError(t, err)
	unk, _ := v.Index(vocab.TokensNamespace, "zzz")
	assert.NotContains(t, indexed[0].Words, unk)

	short := IndexedInstance{Words: []int{5}, POS: []int{3}, Heads: []int{0}, Labels: []int{1}}
	b := Collate([]IndexedInstance{indexed[0], short})
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, []int{1, 0, 0, 0}, b[model.MaskKey][1])
	assert.Equal(t, []int{5, 0, 0, 0}, b[model.WordsKey][1])
	assert.Equal(t, 5, b.Tokens())
}

func TestLoader_FixedOrderAndRestartable(t *testing.T) {
	var instances []IndexedInstance
	for i := 0; i < 5; i++ {
		instances = append(instances, IndexedInstance{Words: []int{i + 2}, POS: []int{2}, Heads: []int{0}, Labels: []int{0}})
	}
	l := NewLoader(instances, 2)
	assert.Equal(t, 3, l.Len())

	first := l.Batches()
	second := l.Batches()
	require.Len(t, first, 3)
	assert.Equal(t, first, second)
	assert.Equal(t, [][]int{{2}, {3}}, first[0][model.WordsKey])
	assert.Equal(t, 1, first[2].Size())

	assert.Equal(t, 5, NewLoader(instances, 0).Len())
}

// #endregion
