package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_StatusLines(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		want  string
	}{
		{"success", func(w *Writer) { w.Success("Index complete") }, "✓ Index complete\n"},
		{"warning", func(w *Writer) { w.Warningf("%d files skipped", 2) }, "! 2 files skipped\n"},
		{"error", func(w *Writer) { w.Error("Failed") }, "✗ Failed\n"},
		{"no icon", func(w *Writer) { w.Status("", "indented") }, "   indented\n"},
		{"header", func(w *Writer) { w.Header("Stats") }, "Stats\n"},
		{"key value", func(w *Writer) { w.KeyValue("Files", 3) }, "  Files:         3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.write(NewWithColor(buf, false))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestWriter_Result(t *testing.T) {
	// Given a plain writer
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)

	// When printing a hit with a two line excerpt
	w.Result(1, "notes/ml.md", "Machine Learning", 0.5, "first\nsecond")

	// Then the path, score, title and indented excerpt appear
	assert.Equal(t, " 1. notes/ml.md  0.5000  Machine Learning\n      first\n      second\n", buf.String())
}

func TestWriter_Result_TitleEqualToPathIsOmitted(t *testing.T) {
	buf := &bytes.Buffer{}
	NewWithColor(buf, false).Result(2, "a.md", "a.md", 0.25, "")
	assert.Equal(t, " 2. a.md  0.2500\n", buf.String())
}

func TestWriter_Progress(t *testing.T) {
	t.Run("plain prints completion only", func(t *testing.T) {
		buf := &bytes.Buffer{}
		w := NewWithColor(buf, false)

		w.Progress(1, 2, "a.md")
		assert.Empty(t, buf.String())

		w.Progress(2, 2, "b.md")
		assert.Contains(t, buf.String(), "100%")
		assert.Contains(t, buf.String(), "b.md")
		assert.Contains(t, buf.String(), "\n")
	})

	t.Run("zero total prints nothing", func(t *testing.T) {
		buf := &bytes.Buffer{}
		NewWithColor(buf, true).Progress(0, 0, "x")
		assert.Empty(t, buf.String())
	})
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		current, total, width int
		want                  string
	}{
		{0, 10, 10, "░░░░░░░░░░"},
		{5, 10, 10, "█████░░░░░"},
		{10, 10, 10, "██████████"},
		{15, 10, 10, "██████████"},
		{1, 0, 4, "░░░░"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, renderProgressBar(tt.current, tt.total, tt.width))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc  ", truncate("abc", 5))
	assert.Equal(t, "...fgh", truncate("abcdefgh", 6))
}

func TestIsTerminal_NonFile(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}

func TestIsTerminal_NoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.False(t, IsTerminal(nil))
}
