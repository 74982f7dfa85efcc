package sealing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/seal-protocol/internal/db/models"
)

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// normalize rewrites the document through pdfcpu's optimizer. This
// flattens ambiguity left by producers (dangling objects, stale xref)
// and upgrades the header version for downstream signing compatibility.
func normalize(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := api.Optimize(bytes.NewReader(data), &out, pdfConfig()); err != nil {
		return nil, fmt.Errorf("optimize: %w", err)
	}
	return out.Bytes(), nil
}

// flattenAnnotations removes interactive annotation layers so native
// widgets cannot shadow the overlay the pipeline burns in.
func flattenAnnotations(data []byte) ([]byte, error) {
	conf := pdfConfig()
	annots, err := api.Annotations(bytes.NewReader(data), nil, conf)
	if err != nil || len(annots) == 0 {
		// Nothing to flatten (or the document has no annotation dict).
		return data, nil
	}
	var out bytes.Buffer
	if err := api.RemoveAnnotations(bytes.NewReader(data), &out, nil, nil, nil, conf); err != nil {
		return nil, fmt.Errorf("remove annotations: %w", err)
	}
	return out.Bytes(), nil
}

func pageCount(data []byte) (int, error) {
	return api.PageCount(bytes.NewReader(data), pdfConfig())
}

func pageDimensions(data []byte) ([]types.Dim, error) {
	return api.PageDims(bytes.NewReader(data), pdfConfig())
}

// stampRejected burns a centered, 45 degree REJECTED watermark onto
// every page. The rejection reason travels in the audit detail, never
// on the stamp.
func stampRejected(data []byte) ([]byte, error) {
	wm, err := api.TextWatermark("REJECTED",
		"fontname:Helvetica, points:72, scale:0.9 abs, rotation:45, opacity:0.4, fillcolor:#b22222",
		true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build rejection watermark: %w", err)
	}
	var out bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(data), &out, nil, wm, pdfConfig()); err != nil {
		return nil, fmt.Errorf("stamp rejected: %w", err)
	}
	return out.Bytes(), nil
}

// appendPages appends extra documents (certificate, audit trail) after
// the item's own pages.
func appendPages(data []byte, extras ...[]byte) ([]byte, error) {
	sources := []io.ReadSeeker{bytes.NewReader(data)}
	for _, extra := range extras {
		if len(extra) > 0 {
			sources = append(sources, bytes.NewReader(extra))
		}
	}
	if len(sources) == 1 {
		return data, nil
	}
	var out bytes.Buffer
	if err := api.MergeRaw(sources, &out, false, pdfConfig()); err != nil {
		return nil, fmt.Errorf("merge pages: %w", err)
	}
	return out.Bytes(), nil
}

// rotationOffset maps a stored page rotation to the compensating
// rotation applied to the page overlay.
func rotationOffset(rotation int) int {
	switch ((rotation % 360) + 360) % 360 {
	case 90:
		return -90
	case 180:
		return 180
	case 270:
		return 90
	default:
		return 0
	}
}

// fieldFontPoints sizes overlay text to the placed widget height.
func fieldFontPoints(heightPts float64) float64 {
	pts := heightPts * 0.6
	if pts < 8 {
		pts = 8
	}
	if pts > 36 {
		pts = 36
	}
	return pts
}

// overlayFieldsV1 burns each committed field individually into the page
// content at its fractional coordinates, scaled to the page's point
// dimensions. Legacy placement path.
func overlayFieldsV1(data []byte, committed []models.Field) ([]byte, error) {
	dims, err := pageDimensions(data)
	if err != nil {
		return nil, fmt.Errorf("page dims: %w", err)
	}

	conf := pdfConfig()
	for _, f := range committed {
		if f.Page < 1 || f.Page > len(dims) {
			return nil, fmt.Errorf("field %s targets page %d of %d", f.ID, f.Page, len(dims))
		}
		dim := dims[f.Page-1]

		wm, tmp, err := fieldWatermark(f, dim.Width, dim.Height)
		if err != nil {
			return nil, err
		}
		if tmp != "" {
			defer os.Remove(tmp)
		}
		if wm == nil {
			continue
		}

		var out bytes.Buffer
		pages := []string{strconv.Itoa(f.Page)}
		if err := api.AddWatermarks(bytes.NewReader(data), &out, pages, wm, conf); err != nil {
			return nil, fmt.Errorf("overlay field %s: %w", f.ID, err)
		}
		data = out.Bytes()
	}
	return data, nil
}

// fieldWatermark builds the watermark for one field. When the field
// carries a drawn signature image the second return value names a temp
// file the caller must remove once the watermark has been applied.
func fieldWatermark(f models.Field, pageW, pageH float64) (*model.Watermark, string, error) {
	// Fractional coordinates are measured from the top-left in the
	// editor; PDF user space originates bottom-left.
	x := f.PosX * pageW
	y := pageH - (f.PosY+f.Height)*pageH
	heightPts := f.Height * pageH

	if f.Type == models.FieldSignature && looksLikeImage(f.SignatureData) {
		return imageWatermark(f, x, y, f.Width*pageW, heightPts)
	}

	text := renderedFieldText(f)
	if text == "" {
		return nil, "", nil
	}
	desc := fmt.Sprintf(
		"fontname:Helvetica, points:%.0f, scale:1 abs, rotation:0, opacity:1, position:bl, offset:%.1f %.1f",
		fieldFontPoints(heightPts), x, y)
	wm, err := api.TextWatermark(text, desc, true, false, types.POINTS)
	return wm, "", err
}

func imageWatermark(f models.Field, x, y, w, h float64) (*model.Watermark, string, error) {
	raw := f.SignatureData
	if idx := strings.Index(raw, ","); idx >= 0 && strings.HasPrefix(raw, "data:") {
		raw = raw[idx+1:]
	}
	img, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, "", fmt.Errorf("decode signature image for field %s: %w", f.ID, err)
	}
	tmp, err := os.CreateTemp("", "sig-*.png")
	if err != nil {
		return nil, "", err
	}
	defer tmp.Close()
	if _, err := tmp.Write(img); err != nil {
		os.Remove(tmp.Name())
		return nil, "", err
	}
	desc := fmt.Sprintf(
		"scale:1 abs, rotation:0, opacity:1, position:bl, offset:%.1f %.1f",
		x, y)
	wm, err := api.ImageWatermark(tmp.Name(), desc, true, false, types.POINTS)
	if err != nil {
		os.Remove(tmp.Name())
		return nil, "", err
	}
	return wm, tmp.Name(), nil
}

func looksLikeImage(signatureData string) bool {
	return strings.HasPrefix(signatureData, "data:image/")
}

// renderedFieldText is what actually gets burned in for a field.
func renderedFieldText(f models.Field) string {
	switch f.Type {
	case models.FieldSignature, models.FieldInitials:
		if looksLikeImage(f.SignatureData) {
			return ""
		}
		return f.SignatureData
	default:
		return f.CustomText
	}
}

// overlayFieldsV2 renders all fields of a page into one transparent
// overlay sized to the page, then composites the overlay onto the page
// with a rotation compensating the page's stored orientation.
func overlayFieldsV2(data []byte, committed []models.Field, rotations map[int]int) ([]byte, error) {
	dims, err := pageDimensions(data)
	if err != nil {
		return nil, fmt.Errorf("page dims: %w", err)
	}

	byPage := make(map[int][]models.Field)
	for _, f := range committed {
		if f.Page < 1 || f.Page > len(dims) {
			return nil, fmt.Errorf("field %s targets page %d of %d", f.ID, f.Page, len(dims))
		}
		byPage[f.Page] = append(byPage[f.Page], f)
	}

	conf := pdfConfig()
	for page, pageFields := range byPage {
		dim := dims[page-1]
		overlay, err := renderPageOverlay(pageFields, dim.Width, dim.Height)
		if err != nil {
			return nil, fmt.Errorf("render overlay for page %d: %w", page, err)
		}

		tmp, err := writeTempPDF(overlay)
		if err != nil {
			return nil, err
		}
		defer os.Remove(tmp)

		desc := fmt.Sprintf("scale:1 abs, rotation:%d, opacity:1, position:c", rotationOffset(rotations[page]))
		wm, err := api.PDFWatermark(tmp+":1", desc, true, false, types.POINTS)
		if err != nil {
			return nil, fmt.Errorf("overlay watermark for page %d: %w", page, err)
		}

		var out bytes.Buffer
		if err := api.AddWatermarks(bytes.NewReader(data), &out, []string{strconv.Itoa(page)}, wm, conf); err != nil {
			return nil, fmt.Errorf("composite overlay onto page %d: %w", page, err)
		}
		data = out.Bytes()
	}
	return data, nil
}

// renderPageOverlay draws the committed fields of one page on a blank
// canvas matching the page's point dimensions.
func renderPageOverlay(pageFields []models.Field, pageW, pageH float64) ([]byte, error) {
	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: pageW, Ht: pageH},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	for _, f := range pageFields {
		x := f.PosX * pageW
		y := f.PosY * pageH
		h := f.Height * pageH

		if f.Type == models.FieldSignature && looksLikeImage(f.SignatureData) {
			raw := f.SignatureData
			if idx := strings.Index(raw, ","); idx >= 0 {
				raw = raw[idx+1:]
			}
			img, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return nil, err
			}
			opts := fpdf.ImageOptions{ImageType: "PNG"}
			name := "sig-" + f.ID
			pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(img))
			pdf.ImageOptions(name, x, y, f.Width*pageW, h, false, opts, 0, "")
			continue
		}

		text := renderedFieldText(f)
		if text == "" {
			continue
		}
		pdf.SetFont("Helvetica", "", fieldFontPoints(h))
		pdf.Text(x, y+h*0.75, text)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeTempPDF(data []byte) (string, error) {
	dir := os.TempDir()
	f, err := os.CreateTemp(dir, "overlay-*.pdf")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}
