package openrosa

import (
	"strings"
)

type xmlResponse struct {
	Messages []string `xml:"message"`
}

// maxPlainMessage bounds how much of a non-XML response body is shown
const maxPlainMessage = 512

// ParseResponseMessage extracts the human readable message of an
// OpenRosaResponse body. A short plain text body is returned as is.
func ParseResponseMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	if strings.HasPrefix(trimmed, "<") {
		var doc xmlResponse
		if err := decodeXML([]byte(trimmed), &doc); err != nil {
			return ""
		}
		parts := make([]string, 0, len(doc.Messages))
		for _, m := range doc.Messages {
			if m = strings.TrimSpace(m); m != "" {
				parts = append(parts, m)
			}
		}
		return strings.Join(parts, "\n")
	}

	if len(trimmed) > maxPlainMessage {
		return ""
	}
	return trimmed
}
