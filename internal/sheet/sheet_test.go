package sheet_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specflow/internal/sheet"
)

const originalText = "id,question,answer,source\n1,Q1,,\n2,Q2,,\n"

func TestMergeFillsAnswersFromCandidate(t *testing.T) {
	merged, rep, err := sheet.MergeText(originalText, "1,Q1,\n2,Q2,A2,Agent")
	require.NoError(t, err)
	assert.Equal(t, sheet.Header, merged.Header)
	assert.Equal(t, [][]string{
		{"1", "Q1", "", ""},
		{"2", "Q2", "A2", "Agent"},
	}, merged.Rows)
	assert.Equal(t, 2, rep.Applied)
	assert.Zero(t, rep.Repaired)
}

func TestMergeRepairsProtectedColumns(t *testing.T) {
	candidate := "id,question,answer,source\n9,Rewritten?,A1,Agent\n2,Q2,\"A, with comma\",\"Doc \"\"x\"\"\"\n"
	merged, rep, err := sheet.MergeText(originalText, candidate)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "Q1", "A1", "Agent"}, merged.Rows[0])
	assert.Equal(t, []string{"2", "Q2", "A, with comma", `Doc "x"`}, merged.Rows[1])
	assert.Equal(t, 2, rep.Repaired)
}

func TestMergeMalformedKeepsOriginal(t *testing.T) {
	merged, rep, err := sheet.MergeText(originalText, "1,\"Q1,A\n2,Q2,A2,Agent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sheet.ErrMalformedCandidate))
	var me *sheet.MalformedError
	assert.ErrorAs(t, err, &me)
	original, perr := sheet.Parse(originalText)
	require.NoError(t, perr)
	assert.Equal(t, original, merged)
	assert.Equal(t, sheet.Report{}, rep)
}

func TestMergeCorruptOriginal(t *testing.T) {
	_, _, err := sheet.MergeText("1,\"Q1", "1,Q1,A1,Agent")
	require.Error(t, err)
	assert.ErrorIs(t, err, sheet.ErrCorruptDocument)
	assert.False(t, errors.Is(err, sheet.ErrMalformedCandidate))
}

func TestMergeLengthMismatch(t *testing.T) {
	original := sheet.Document{Header: sheet.Header, Rows: [][]string{
		{"1", "Q1", "", ""},
		{"2", "Q2", "old", "Human"},
		{"3", "Q3", "", ""},
	}}
	short := sheet.Document{Rows: [][]string{{"1", "Q1", "A1", "Agent"}}}
	merged, rep := sheet.Merge(original, short)
	require.Len(t, merged.Rows, 3)
	assert.Equal(t, []string{"2", "Q2", "old", "Human"}, merged.Rows[1])
	assert.Equal(t, 2, rep.Missing)

	long := sheet.Document{Rows: [][]string{
		{"1", "Q1", "a", "s"}, {"2", "Q2", "b", "s"}, {"3", "Q3", "c", "s"}, {"4", "Q4", "d", "s"},
	}}
	merged, rep = sheet.Merge(original, long)
	require.Len(t, merged.Rows, 3)
	assert.Equal(t, 1, rep.Dropped)
}

func TestMergeIdempotent(t *testing.T) {
	original, err := sheet.Parse("id,question,answer,source\n1,Q1,A1,S1\n2,\"Q2, long\",,\n")
	require.NoError(t, err)
	merged, rep := sheet.Merge(original, original)
	assert.Equal(t, original, merged)
	assert.Zero(t, rep.Repaired)
}

func TestProtectedColumnInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	word := func() string { return fmt.Sprintf("w%d", rng.Intn(1000)) }
	for run := 0; run < 300; run++ {
		original := sheet.Document{Header: sheet.Header}
		for i := 0; i < rng.Intn(8); i++ {
			original.Rows = append(original.Rows, []string{fmt.Sprint(i + 1), word(), "", ""})
		}
		candidate := sheet.Document{}
		for i := 0; i < rng.Intn(10); i++ {
			row := make([]string, rng.Intn(6))
			for j := range row {
				row[j] = word()
			}
			candidate.Rows = append(candidate.Rows, row)
		}
		merged, _ := sheet.Merge(original, candidate)
		require.Len(t, merged.Rows, len(original.Rows))
		for i, row := range merged.Rows {
			require.Len(t, row, sheet.Width)
			require.Equal(t, original.Rows[i][sheet.ColID], row[sheet.ColID])
			require.Equal(t, original.Rows[i][sheet.ColQuestion], row[sheet.ColQuestion])
		}
	}
}

func TestHeaderDetection(t *testing.T) {
	assert.True(t, sheet.IsHeader([]string{" ID", "Question ", "ANSWER", "source", "extra"}))
	assert.False(t, sheet.IsHeader([]string{"id", "question", "answer"}))
	assert.False(t, sheet.IsHeader([]string{"1", "question", "answer", "source"}))

	doc, err := sheet.Parse("1,Q1,,\nID,Question,Answer,Source\n2,Q2,,\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"ID", "Question", "Answer", "Source"}, doc.Header)
	assert.Equal(t, [][]string{{"1", "Q1", "", ""}, {"2", "Q2", "", ""}}, doc.Rows)
}

func TestSerializeRoundTrip(t *testing.T) {
	doc := sheet.Document{Header: sheet.Header, Rows: [][]string{
		{"1", "Is it \"organic\"?", "yes, certified", "Cert.pdf"},
		{"2", "Multi\nline", "", ""},
	}}
	text, err := sheet.Serialize(doc)
	require.NoError(t, err)
	back, err := sheet.Parse(text + ",,,\n,,,\n")
	require.NoError(t, err)
	assert.Equal(t, doc, back)
}

func TestSetCell(t *testing.T) {
	doc := sheet.NewFromTemplate([]sheet.Question{{ID: "1", Question: "Q1"}})
	out, err := sheet.SetCell(doc, 0, sheet.ColAnswer, "A1")
	require.NoError(t, err)
	assert.Equal(t, "A1", out.Rows[0][sheet.ColAnswer])
	assert.Equal(t, "", doc.Rows[0][sheet.ColAnswer], "input is not mutated")

	_, err = sheet.SetCell(doc, 0, sheet.ColQuestion, "changed")
	assert.ErrorIs(t, err, sheet.ErrProtectedColumn)
	_, err = sheet.SetCell(doc, 3, sheet.ColSource, "x")
	assert.ErrorIs(t, err, sheet.ErrRowOutOfRange)
}
