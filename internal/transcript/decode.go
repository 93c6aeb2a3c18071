package transcript

import (
	"fmt"
	"io"
	"os"
	"strings"

	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Decode reads an exported transcript as normalized UTF-8 text. UTF-8 and
// UTF-16 byte order marks are honoured and removed, line endings become LF
// and the text is put in NFC form.
func Decode(r io.Reader) (string, error) {
	dec := xunicode.BOMOverride(xunicode.UTF8.NewDecoder())
	data, err := io.ReadAll(transform.NewReader(r, dec))
	if err != nil {
		return "", fmt.Errorf("decode transcript: %w", err)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return norm.NFC.String(text), nil
}

// ReadFile decodes a transcript file.
func ReadFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
