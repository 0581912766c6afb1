package models

import (
	"fmt"
	"path"
	"strings"
)

// Vocabulary used by the repository to describe documents and their files.
const (
	PredicateHasFile     = "http://pcdm.org/models#hasFile"
	PredicateHasMimeType = "http://www.ebu.ch/metadata/ontologies/ebucore/ebucore#hasMimeType"
)

// TripleQuery is the read side of a parsed metadata graph. An empty subject
// matches any subject.
type TripleQuery interface {
	Objects(subject, predicate string) []string
}

// File is a binary attached to a document.
type File struct {
	URI      string
	MimeType string
}

// Document is one member of a docset together with its metadata graph.
type Document struct {
	ID    string
	Graph TripleQuery
}

// Files walks the metadata graph for "has file" relations and resolves the
// mimetype of each one. The graph is traversed on every call.
func (d *Document) Files() ([]File, error) {
	var files []File
	for _, uri := range d.Graph.Objects("", PredicateHasFile) {
		types := d.Graph.Objects(uri, PredicateHasMimeType)
		if len(types) != 1 {
			return nil, &MalformedMetadataError{DocumentID: d.ID, FileURI: uri, Count: len(types)}
		}
		files = append(files, File{URI: uri, MimeType: types[0]})
	}
	return files, nil
}

// EntryName is the archive entry name for a file of this document.
func (d *Document) EntryName(extension string) string {
	return d.ID + "." + strings.TrimPrefix(extension, ".")
}

// DocumentID derives a stable document id from a docset member ref.
func DocumentID(ref string) string {
	return path.Base(strings.TrimRight(ref, "/"))
}

// MalformedMetadataError reports a file whose mimetype relation is missing or
// ambiguous.
type MalformedMetadataError struct {
	DocumentID string
	FileURI    string
	Count      int
}

func (e *MalformedMetadataError) Error() string {
	if e.Count == 0 {
		return fmt.Sprintf("malformed metadata: document %s: file %s has no mimetype", e.DocumentID, e.FileURI)
	}
	return fmt.Sprintf("malformed metadata: document %s: file %s has %d mimetypes", e.DocumentID, e.FileURI, e.Count)
}
