package datamodel

import _ "embed"

//go:embed default_datamodel.toml
var defaultDocument []byte

// DefaultDocument returns the built-in data model used when no document
// path is configured.
func DefaultDocument() (Document, error) {
	return ParseDocument(defaultDocument)
}

// DefaultDocumentBytes is the raw built-in document, written out by
// "config init".
func DefaultDocumentBytes() []byte {
	out := make([]byte, len(defaultDocument))
	copy(out, defaultDocument)
	return out
}
