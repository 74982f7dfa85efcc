package sealing

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/seal-protocol/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// samplePDF produces a letter-sized document with the given number of
// pages.
func samplePDF(t *testing.T, pages int) []byte {
	t.Helper()
	pdf := fpdf.New("P", "pt", "Letter", "")
	for i := 1; i <= pages; i++ {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "", 12)
		pdf.Text(72, 72, fmt.Sprintf("Page %d", i))
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func TestNormalizeKeepsPageCount(t *testing.T) {
	data := samplePDF(t, 3)

	out, err := normalize(data)
	require.NoError(t, err)

	count, err := pageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestAppendPages(t *testing.T) {
	base := samplePDF(t, 2)
	cert := samplePDF(t, 1)
	audit := samplePDF(t, 1)

	merged, err := appendPages(base, cert, audit)
	require.NoError(t, err)

	count, err := pageCount(merged)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// Empty extras are skipped without touching the document.
	same, err := appendPages(base, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, base, same)
}

func TestStampRejectedKeepsPageCount(t *testing.T) {
	data := samplePDF(t, 2)

	stamped, err := stampRejected(data)
	require.NoError(t, err)
	assert.NotEqual(t, data, stamped)

	count, err := pageCount(stamped)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOverlayFieldsV2(t *testing.T) {
	data := samplePDF(t, 2)
	committed := []models.Field{
		{
			ID: "f1", Type: models.FieldText, Page: 1,
			PosX: 0.1, PosY: 0.1, Width: 0.3, Height: 0.04,
			CustomText: "Jane Doe", Inserted: true,
		},
		{
			ID: "f2", Type: models.FieldDate, Page: 2,
			PosX: 0.5, PosY: 0.8, Width: 0.2, Height: 0.04,
			CustomText: "2026-08-29", Inserted: true,
		},
	}

	out, err := overlayFieldsV2(data, committed, nil)
	require.NoError(t, err)

	count, err := pageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOverlayFieldsV1(t *testing.T) {
	data := samplePDF(t, 1)
	committed := []models.Field{
		{
			ID: "f1", Type: models.FieldText, Page: 1,
			PosX: 0.2, PosY: 0.3, Width: 0.3, Height: 0.05,
			CustomText: "Acme Corp", Inserted: true,
		},
	}

	out, err := overlayFieldsV1(data, committed)
	require.NoError(t, err)

	count, err := pageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// 1x1 PNG, base64.
const tinyPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

func TestOverlayFieldsV1RemovesSignatureTempFiles(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("TMPDIR", tmpDir)

	data := samplePDF(t, 1)
	committed := []models.Field{
		{
			ID: "f1", Type: models.FieldSignature, Page: 1,
			PosX: 0.2, PosY: 0.3, Width: 0.3, Height: 0.08,
			SignatureData: "data:image/png;base64," + tinyPNG,
			Inserted:      true,
		},
	}

	out, err := overlayFieldsV1(data, committed)
	require.NoError(t, err)

	count, err := pageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The decoded signature image lives in a temp file only while the
	// watermark is applied.
	leftovers, err := filepath.Glob(filepath.Join(tmpDir, "sig-*.png"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestOverlayRejectsOutOfRangePage(t *testing.T) {
	data := samplePDF(t, 1)
	committed := []models.Field{
		{ID: "f1", Type: models.FieldText, Page: 7, CustomText: "x", Inserted: true},
	}

	_, err := overlayFieldsV2(data, committed, nil)
	require.Error(t, err)
}

func TestRotationOffset(t *testing.T) {
	assert.Equal(t, 0, rotationOffset(0))
	assert.Equal(t, -90, rotationOffset(90))
	assert.Equal(t, 180, rotationOffset(180))
	assert.Equal(t, 90, rotationOffset(270))
	assert.Equal(t, -90, rotationOffset(450))
	assert.Equal(t, 90, rotationOffset(-90))
}

func TestFieldFontPoints(t *testing.T) {
	assert.Equal(t, 8.0, fieldFontPoints(2))
	assert.Equal(t, 36.0, fieldFontPoints(500))
	assert.Equal(t, 30.0, fieldFontPoints(50))
}

func TestRenderedFieldText(t *testing.T) {
	assert.Equal(t, "typed name", renderedFieldText(models.Field{
		Type: models.FieldSignature, SignatureData: "typed name",
	}))
	// Image signatures are drawn, not burned as text.
	assert.Empty(t, renderedFieldText(models.Field{
		Type: models.FieldSignature, SignatureData: "data:image/png;base64,AAAA",
	}))
	assert.Equal(t, "hello", renderedFieldText(models.Field{
		Type: models.FieldText, CustomText: "hello",
	}))
}

func TestParseRotations(t *testing.T) {
	assert.Empty(t, parseRotations(""))
	assert.Empty(t, parseRotations("not json"))

	rotations := parseRotations(`{"1": 90, "3": 270}`)
	assert.Equal(t, 90, rotations[1])
	assert.Equal(t, 270, rotations[3])
	assert.Equal(t, 0, rotations[2])
}
