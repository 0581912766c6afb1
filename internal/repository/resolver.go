// Package repository resolves docsets against a Fedora-style repository:
// the docset listing, each member's metadata graph, and file content.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Lllllllleong/docsetpackager/internal/httpx"
	"github.com/Lllllllleong/docsetpackager/internal/models"
)

// Request headers for member metadata.
const (
	DefaultGraphAccept   = "text/turtle"
	EmbedResourcesPrefer = `return=representation; include="http://fedora.info/definitions/v4/repository#EmbedResources"`
)

// ResolverConfig locates the repository holding docset members.
type ResolverConfig struct {
	// RepositoryURL is prefixed to each member ref.
	RepositoryURL string
	// Accept is the media type requested for member metadata.
	Accept string
}

// Resolver turns a docset into documents and file references.
type Resolver struct {
	http   httpx.Doer
	config ResolverConfig
}

func NewResolver(doer httpx.Doer, config ResolverConfig) *Resolver {
	if config.Accept == "" {
		config.Accept = DefaultGraphAccept
	}
	return &Resolver{http: doer, config: config}
}

type docsetListing struct {
	Members []struct {
		Ref string `json:"ref"`
	} `json:"members"`
}

// Documents fetches the docset listing once and then yields one Document per
// member, in listing order, fetching each member's metadata as it goes. The
// sequence ends at the first error.
func (r *Resolver) Documents(ctx context.Context, docsetURL string) iter.Seq2[*models.Document, error] {
	return func(yield func(*models.Document, error) bool) {
		refs, err := r.members(ctx, docsetURL)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, ref := range refs {
			doc, err := r.Document(ctx, ref)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func (r *Resolver) members(ctx context.Context, docsetURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docsetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid docset URL %q: %w", docsetURL, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch docset %s: %w", docsetURL, err)
	}
	if err := httpx.CheckResponse(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var listing docsetListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("failed to decode docset %s: %w", docsetURL, err)
	}
	refs := make([]string, 0, len(listing.Members))
	for _, m := range listing.Members {
		refs = append(refs, m.Ref)
	}
	slog.Debug("Fetched docset listing.", "docset", docsetURL, "members", len(refs))
	return refs, nil
}

// Document fetches and parses the metadata graph of one member.
func (r *Resolver) Document(ctx context.Context, ref string) (*models.Document, error) {
	memberURL := r.memberURL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, memberURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid member URL %q: %w", memberURL, err)
	}
	req.Header.Set("Accept", r.config.Accept)
	req.Header.Set("Prefer", EmbedResourcesPrefer)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata for %s: %w", ref, err)
	}
	if err := httpx.CheckResponse(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	graph, err := ParseGraph(resp.Body, memberURL)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", ref, err)
	}
	return &models.Document{ID: models.DocumentID(ref), Graph: graph}, nil
}

// Open streams the content of a file. The caller closes the returned body.
func (r *Resolver) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid file URI %q: %w", uri, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	if err := httpx.CheckResponse(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (r *Resolver) memberURL(ref string) string {
	if r.config.RepositoryURL == "" || strings.Contains(ref, "://") {
		return ref
	}
	return r.config.RepositoryURL + ref
}
