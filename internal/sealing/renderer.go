package sealing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/seal-protocol/internal/db/models"
)

// CertificateData feeds the signing-certificate page.
type CertificateData struct {
	EnvelopeID  string
	ExternalID  string
	Title       string
	CompletedAt time.Time
	Rejected    bool
	Reason      string
	Recipients  []CertificateRecipient
}

type CertificateRecipient struct {
	Name     string
	Email    string
	Role     string
	Status   string
	SignedAt *time.Time
}

// AuditTrailData feeds the appended audit-log pages.
type AuditTrailData struct {
	EnvelopeID string
	Title      string
	Entries    []models.AuditLogEntry
}

// PageRenderer produces the certificate and audit-trail page sequences.
// The native implementation lays pages out directly; the HTTP one
// delegates to a headless-browser render service. Both produce an
// equivalent page sequence.
type PageRenderer interface {
	RenderCertificate(ctx context.Context, data CertificateData) ([]byte, error)
	RenderAuditTrail(ctx context.Context, data AuditTrailData) ([]byte, error)
}

type nativeRenderer struct{}

func NewNativeRenderer() PageRenderer {
	return &nativeRenderer{}
}

func (r *nativeRenderer) RenderCertificate(ctx context.Context, data CertificateData) ([]byte, error) {
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetMargins(48, 56, 48)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 28, "Signing Certificate", "", 1, "C", false, 0, "")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	rows := [][2]string{
		{"Envelope", data.Title},
		{"Envelope ID", data.EnvelopeID},
		{"Completed", data.CompletedAt.UTC().Format(time.RFC3339)},
	}
	if data.ExternalID != "" {
		rows = append(rows, [2]string{"External ID", data.ExternalID})
	}
	if data.Rejected {
		rows = append(rows, [2]string{"Outcome", "REJECTED"})
	} else {
		rows = append(rows, [2]string{"Outcome", "COMPLETED"})
	}
	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(110, 18, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 18, row[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(14)

	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 20, "Parties", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(150, 16, "Name", "B", 0, "L", false, 0, "")
	pdf.CellFormat(170, 16, "Email", "B", 0, "L", false, 0, "")
	pdf.CellFormat(80, 16, "Role", "B", 0, "L", false, 0, "")
	pdf.CellFormat(0, 16, "Signed", "B", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	for _, rec := range data.Recipients {
		signed := "-"
		if rec.SignedAt != nil {
			signed = rec.SignedAt.UTC().Format("2006-01-02 15:04")
		}
		pdf.CellFormat(150, 16, rec.Name, "", 0, "L", false, 0, "")
		pdf.CellFormat(170, 16, rec.Email, "", 0, "L", false, 0, "")
		pdf.CellFormat(80, 16, rec.Role, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 16, signed, "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *nativeRenderer) RenderAuditTrail(ctx context.Context, data AuditTrailData) ([]byte, error) {
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetMargins(48, 56, 48)
	pdf.SetAutoPageBreak(true, 56)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 28, "Audit Trail", "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 18, data.Title, "", 1, "C", false, 0, "")
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(130, 16, "Timestamp", "B", 0, "L", false, 0, "")
	pdf.CellFormat(150, 16, "Event", "B", 0, "L", false, 0, "")
	pdf.CellFormat(0, 16, "Actor", "B", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	for _, entry := range data.Entries {
		pdf.CellFormat(130, 15, entry.CreatedAt.UTC().Format("2006-01-02 15:04:05"), "", 0, "L", false, 0, "")
		pdf.CellFormat(150, 15, string(entry.Type), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 15, entry.ActorEmail, "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render audit trail: %w", err)
	}
	return buf.Bytes(), nil
}

// httpRenderer posts render requests to a headless-browser service that
// answers with PDF bytes.
type httpRenderer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRenderer(baseURL string, timeout time.Duration) PageRenderer {
	return &httpRenderer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *httpRenderer) render(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("render service returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (r *httpRenderer) RenderCertificate(ctx context.Context, data CertificateData) ([]byte, error) {
	return r.render(ctx, "/render/certificate", data)
}

func (r *httpRenderer) RenderAuditTrail(ctx context.Context, data AuditTrailData) ([]byte, error) {
	return r.render(ctx, "/render/audit-trail", data)
}
