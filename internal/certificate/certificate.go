// Package certificate renders the plain-text completion certificate of a
// signature request.
package certificate

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"text/template"
	"time"

	"github.com/zeebo/blake3"
)

type Signer struct {
	Order           int
	Name            string
	Email           string
	Role            string
	ViewedAt        *time.Time
	SignedAt        *time.Time
	SignedIP        string
	SignedUserAgent string
	FieldsFilled    int
}

type Data struct {
	RequestID           string
	Title               string
	DocumentTitle       string
	DocumentFingerprint string
	SentAt              *time.Time
	CompletedAt         time.Time
	GeneratedAt         time.Time
	Signers             []Signer
}

const stampLayout = "2006-01-02 15:04:05 UTC"

const layout = `SIGNATURE CERTIFICATE
Request:      {{.RequestID}}
Title:        {{.Title}}
Document:     {{.DocumentTitle}}
Fingerprint:  blake3:{{.DocumentFingerprint}}
Sent:         {{stamp .SentAt}}
Completed:    {{stamp .CompletedAt}}
{{range .Signers}}
Signer {{.Order}}: {{.Name}} <{{.Email}}>
  Role:       {{.Role}}
  Viewed:     {{stamp .ViewedAt}}
  Signed:     {{stamp .SignedAt}}
  IP:         {{or .SignedIP "-"}}
  User agent: {{or .SignedUserAgent "-"}}
  Fields:     {{.FieldsFilled}}
{{end}}
Generated:    {{stamp .GeneratedAt}}
`

var tmpl = template.Must(template.New("certificate").Funcs(template.FuncMap{"stamp": stamp}).Parse(layout))

func stamp(v any) string {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format(stampLayout)
	case *time.Time:
		if t == nil || t.IsZero() {
			return "-"
		}
		return t.UTC().Format(stampLayout)
	default:
		return fmt.Sprint(v)
	}
}

// Fingerprint is the hex BLAKE3-256 digest of the document content.
func Fingerprint(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func Render(d Data) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return buf.Bytes(), nil
}
