package docload

import (
	"fmt"
	"os"
	"strings"

	docx "github.com/fumiama/go-docx"
)

func extractDocx(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	doc, err := docx.Parse(f, info.Size())
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, item := range doc.Document.Body.Items {
		s, ok := item.(fmt.Stringer)
		if !ok {
			continue
		}
		text := strings.TrimSpace(s.String())
		if text == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
