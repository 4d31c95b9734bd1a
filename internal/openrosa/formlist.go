// Package openrosa implements the document formats of the OpenRosa form
// list, manifest and submission APIs.
package openrosa

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// MediaFile is one attachment of a form version
type MediaFile struct {
	Filename    string
	Hash        string
	DownloadURL string
}

// FormListItem is one <xform> entry of a form list
type FormListItem struct {
	FormID      string
	Name        string
	Version     string
	Hash        string
	DownloadURL string
	ManifestURL string

	// MediaFiles is set when the server embeds the media list in the form
	// list itself; InlineMedia distinguishes an empty embedded list from
	// no list at all.
	MediaFiles  []MediaFile
	InlineMedia bool
}

type xmlMediaFile struct {
	Filename    string `xml:"filename"`
	Hash        string `xml:"hash"`
	DownloadURL string `xml:"downloadUrl"`
}

type xmlMediaFiles struct {
	Files []xmlMediaFile `xml:"mediaFile"`
}

type xmlForm struct {
	FormID      string         `xml:"formID"`
	Name        string         `xml:"name"`
	Version     string         `xml:"version"`
	Hash        string         `xml:"hash"`
	DownloadURL string         `xml:"downloadUrl"`
	ManifestURL string         `xml:"manifestUrl"`
	MediaFiles  *xmlMediaFiles `xml:"mediaFiles"`
}

type xmlFormList struct {
	XMLName xml.Name  `xml:"xforms"`
	Forms   []xmlForm `xml:"xform"`
}

type xmlManifest struct {
	XMLName xml.Name       `xml:"manifest"`
	Files   []xmlMediaFile `xml:"mediaFile"`
}

// ParseFormList parses an xformsList document. Entries without a formID or
// download URL cannot be downloaded and are rejected.
func ParseFormList(data []byte) ([]FormListItem, error) {
	var doc xmlFormList
	if err := decodeXML(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse form list: %w", err)
	}

	items := make([]FormListItem, 0, len(doc.Forms))
	for i, f := range doc.Forms {
		item := FormListItem{
			FormID:      strings.TrimSpace(f.FormID),
			Name:        strings.TrimSpace(f.Name),
			Version:     strings.TrimSpace(f.Version),
			Hash:        strings.TrimSpace(f.Hash),
			DownloadURL: strings.TrimSpace(f.DownloadURL),
			ManifestURL: strings.TrimSpace(f.ManifestURL),
		}
		if item.FormID == "" || item.DownloadURL == "" {
			return nil, fmt.Errorf("failed to parse form list: entry %d is missing formID or downloadUrl", i)
		}
		if item.Name == "" {
			item.Name = item.FormID
		}
		if f.MediaFiles != nil {
			item.InlineMedia = true
			item.MediaFiles = convertMediaFiles(f.MediaFiles.Files)
		}
		items = append(items, item)
	}
	return items, nil
}

// ParseManifest parses an xformsManifest document
func ParseManifest(data []byte) ([]MediaFile, error) {
	var doc xmlManifest
	if err := decodeXML(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	files := convertMediaFiles(doc.Files)
	for _, f := range files {
		if f.Filename == "" || f.DownloadURL == "" {
			return nil, fmt.Errorf("failed to parse manifest: media file is missing filename or downloadUrl")
		}
	}
	return files, nil
}

func convertMediaFiles(in []xmlMediaFile) []MediaFile {
	files := make([]MediaFile, 0, len(in))
	for _, f := range in {
		files = append(files, MediaFile{
			Filename:    strings.TrimSpace(f.Filename),
			Hash:        strings.TrimSpace(f.Hash),
			DownloadURL: strings.TrimSpace(f.DownloadURL),
		})
	}
	return files
}

func decodeXML(data []byte, v interface{}) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	return dec.Decode(v)
}
