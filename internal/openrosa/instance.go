package openrosa

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// InstanceMetadata is read from the root and <meta> block of a filled form
type InstanceMetadata struct {
	FormID       string
	Version      string
	InstanceID   string
	InstanceName string
}

// ReadInstanceMetadata parses the instance file at path
func ReadInstanceMetadata(path string) (*InstanceMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseInstanceMetadata(f)
}

// ParseInstanceMetadata reads the form id and version from the root
// element and instanceID/instanceName from its meta block.
func ParseInstanceMetadata(r io.Reader) (*InstanceMetadata, error) {
	dec := xml.NewDecoder(r)
	meta := &InstanceMetadata{}

	var (
		depth   int
		inMeta  bool
		current string
		text    strings.Builder
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse instance: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 1:
				meta.FormID = attr(t, "id")
				meta.Version = attr(t, "version")
			case depth == 2 && t.Name.Local == "meta":
				inMeta = true
			case inMeta && depth == 3:
				current = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if current != "" {
				text.Write(t)
			}
		case xml.EndElement:
			if inMeta && depth == 3 {
				switch current {
				case "instanceID":
					meta.InstanceID = strings.TrimSpace(text.String())
				case "instanceName":
					meta.InstanceName = strings.TrimSpace(text.String())
				}
				current = ""
			}
			if depth == 2 && t.Name.Local == "meta" {
				inMeta = false
			}
			depth--
		}
	}

	if meta.FormID == "" {
		return nil, fmt.Errorf("failed to parse instance: root element has no id attribute")
	}
	return meta, nil
}
