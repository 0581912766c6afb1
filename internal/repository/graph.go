package repository

import (
	"fmt"
	"io"

	"github.com/Lllllllleong/docsetpackager/internal/models"
	"github.com/knakk/rdf"
)

// Graph is a parsed set of triples. It satisfies models.TripleQuery.
type Graph struct {
	triples []rdf.Triple
}

var _ models.TripleQuery = (*Graph)(nil)

// ParseGraph decodes a Turtle document. Relative IRIs resolve against base
// when it is non-empty. Repeated triples are kept once.
func ParseGraph(r io.Reader, base string) (*Graph, error) {
	dec := rdf.NewTripleDecoder(r, rdf.Turtle)
	if base != "" {
		iri, err := rdf.NewIRI(base)
		if err != nil {
			return nil, fmt.Errorf("invalid base IRI %q: %w", base, err)
		}
		if err := dec.SetOption(rdf.Base, iri); err != nil {
			return nil, err
		}
	}
	triples, err := dec.DecodeAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata graph: %w", err)
	}
	seen := make(map[string]struct{}, len(triples))
	unique := triples[:0]
	for _, t := range triples {
		key := t.Serialize(rdf.NTriples)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, t)
	}
	return &Graph{triples: unique}, nil
}

// Len is the number of triples in the graph.
func (g *Graph) Len() int {
	return len(g.triples)
}

// Objects returns the objects of every triple with the given subject and
// predicate, in document order. An empty subject matches any subject.
func (g *Graph) Objects(subject, predicate string) []string {
	var objects []string
	for _, t := range g.triples {
		if t.Pred.String() != predicate {
			continue
		}
		if subject != "" && t.Subj.String() != subject {
			continue
		}
		objects = append(objects, t.Obj.String())
	}
	return objects
}

// Value returns the single object for subject and predicate. ok is false
// when there is none or more than one.
func (g *Graph) Value(subject, predicate string) (value string, ok bool) {
	objects := g.Objects(subject, predicate)
	if len(objects) != 1 {
		return "", false
	}
	return objects[0], true
}
