// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Document is one indexed passage in the knowledge base.
//
// Documents are created by the ingestion pipeline and are immutable in place:
// re-ingesting the same ID replaces the row. Metadata carries at minimum a
// "source" string used for citations.
type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"embedding,omitempty"`
}

// Source returns the citation string for the document, or "" when the
// ingestion pipeline did not record one.
func (d *Document) Source() string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata["source"]
}

// SourceInfo is one citation entry surfaced to clients, with the cosine
// similarity of the backing passage.
type SourceInfo struct {
	Source string  `json:"source"`
	Score  float64 `json:"score,omitempty"`
}

// RetrievalResult is the transient output of one retrieval. Documents are
// ordered by similarity descending; Sources lists the distinct
// metadata.source values in result order, deduplicated preserving first
// occurrence. Both may be empty.
type RetrievalResult struct {
	Documents []Document   `json:"documents"`
	Sources   []SourceInfo `json:"sources"`
}

// Empty reports whether the retrieval produced no grounded passages.
func (r *RetrievalResult) Empty() bool {
	return r == nil || len(r.Documents) == 0
}

// SourceNames returns just the citation strings, in order.
func (r *RetrievalResult) SourceNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		names = append(names, s.Source)
	}
	return names
}

// DocumentIDs returns the retrieved document ids in result order. Used for
// the response-cache context fingerprint.
func (r *RetrievalResult) DocumentIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Documents))
	for _, d := range r.Documents {
		ids = append(ids, d.ID)
	}
	return ids
}
