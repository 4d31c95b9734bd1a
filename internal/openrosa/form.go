package openrosa

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Secondary instance URI schemes
const (
	FileScheme      = "jr://file/"
	FileCSVScheme   = "jr://file-csv/"
	LastSavedSource = "jr://instance/last-saved"
)

// SecondaryInstance is an <instance> with an external src
type SecondaryInstance struct {
	ID  string
	Src string
}

// FormDefinition holds the metadata of a blank form XML
type FormDefinition struct {
	Title              string
	FormID             string
	Version            string
	SubmissionURI      string
	Base64RSAPublicKey string
	AutoSend           string // "" when not declared
	AutoDelete         string // "" when not declared
	SecondaryInstances []SecondaryInstance
}

// ParseFormDefinition extracts form metadata from a blank form XML. The
// form id comes from the root element of the primary (first src-less)
// instance in the model.
func ParseFormDefinition(r io.Reader) (*FormDefinition, error) {
	dec := xml.NewDecoder(r)
	def := &FormDefinition{}

	var (
		path            []string
		inPrimary       bool
		primaryDepth    int
		seenPrimary     bool
		titleBuf        bytes.Buffer
		inTitle         bool
		sawModelElement bool
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse form: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			parent := ""
			if len(path) > 1 {
				parent = path[len(path)-2]
			}

			switch {
			case inPrimary && len(path) == primaryDepth+1 && def.FormID == "":
				def.FormID = attr(t, "id")
				def.Version = attr(t, "version")
			case t.Name.Local == "title" && parent == "head":
				inTitle = true
			case t.Name.Local == "model":
				sawModelElement = true
			case t.Name.Local == "instance" && parent == "model":
				if src := attr(t, "src"); src != "" {
					def.SecondaryInstances = append(def.SecondaryInstances, SecondaryInstance{ID: attr(t, "id"), Src: src})
				} else if !seenPrimary {
					seenPrimary = true
					inPrimary = true
					primaryDepth = len(path)
				}
			case t.Name.Local == "submission" && parent == "model":
				def.SubmissionURI = attr(t, "action")
				def.Base64RSAPublicKey = attr(t, "base64RsaPublicKey")
				def.AutoSend = attr(t, "auto-send")
				def.AutoDelete = attr(t, "auto-delete")
			}

		case xml.CharData:
			if inTitle {
				titleBuf.Write(t)
			}

		case xml.EndElement:
			if inTitle && t.Name.Local == "title" {
				inTitle = false
			}
			if inPrimary && len(path) == primaryDepth {
				inPrimary = false
			}
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
		}
	}

	if !sawModelElement {
		return nil, fmt.Errorf("failed to parse form: no model element")
	}
	if def.FormID == "" {
		return nil, fmt.Errorf("failed to parse form: primary instance has no id attribute")
	}

	def.Title = strings.TrimSpace(titleBuf.String())
	if def.Title == "" {
		def.Title = def.FormID
	}
	return def, nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

// MediaReference returns the media file name a secondary instance src
// refers to, and false when the source is not a media file.
func MediaReference(src string) (string, bool) {
	for _, scheme := range []string{FileScheme, FileCSVScheme} {
		if strings.HasPrefix(src, scheme) {
			return strings.TrimPrefix(src, scheme), true
		}
	}
	return "", false
}

// ParseBool interprets the tri-state form flags: it reports the declared
// value and whether a value was declared at all.
func ParseBool(v string) (value, declared bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return false, false
	case "true", "yes", "1":
		return true, true
	default:
		return false, true
	}
}
