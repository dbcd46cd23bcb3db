package detect

import "golang.org/x/text/unicode/norm"

// NormalizeInput brings text into NFC so that entity byte offsets are stable
// across clients that send decomposed Unicode. Every detector, the merger,
// and the masker operate on the normalized form.
func NormalizeInput(text string) string {
	if norm.NFC.IsNormalString(text) {
		return text
	}
	return norm.NFC.String(text)
}
