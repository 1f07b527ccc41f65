package antivirus

import (
	"bytes"
	"context"

	"github.com/cloudflare/ahocorasick"
)

const (
	SignatureEICAR       = "EICAR-Test-File"
	SignaturePDFJSLaunch = "PDF.JavaScript.Launch"
)

// eicar is the standard antivirus test string.
const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

var needles = []string{eicar, "/JavaScript", "/JS", "/Launch"}

const (
	needleEICAR = iota
	needleJavaScript
	needleJS
	needleLaunch
)

// SignatureScanner is a static content scanner for the cheap preprocess gate.
// It flags the EICAR test file and PDFs that combine embedded script with a
// launch action. It is not a substitute for a real engine.
type SignatureScanner struct {
	matcher *ahocorasick.Matcher
}

func NewSignatureScanner() *SignatureScanner {
	return &SignatureScanner{matcher: ahocorasick.NewStringMatcher(needles)}
}

func (s *SignatureScanner) Scan(ctx context.Context, data []byte) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}

	var script, launch bool
	for _, idx := range s.matcher.MatchThreadSafe(data) {
		switch idx {
		case needleEICAR:
			return false, SignatureEICAR, nil
		case needleJavaScript, needleJS:
			script = true
		case needleLaunch:
			launch = true
		}
	}
	if script && launch && bytes.HasPrefix(data, []byte("%PDF-")) {
		return false, SignaturePDFJSLaunch, nil
	}
	return true, "", nil
}
