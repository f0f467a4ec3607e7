package search

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/agentworkforce/pensieve/internal/lifelog"
)

// Index is a Bleve full-text index over synced entries. Indexing during sync
// is best-effort: a failed index write is logged by the caller and never
// fails the sync pass.
type Index struct {
	index bleve.Index
}

// EntryDocument is the indexed shape of one entry. Speakers come from the
// flattened segments; the body is the provider markdown.
type EntryDocument struct {
	ID        string
	Title     string
	Body      string
	Speakers  []string
	StartTime string
	EndTime   string
}

type Result struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	StartTime string              `json:"startTime"`
	Score     float64             `json:"score"`
	Fragments map[string][]string `json:"fragments,omitempty"`
}

// Open opens the index at path, creating it with the entry mapping when it
// does not exist yet.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create search index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	return &Index{index: idx}, nil
}

// OpenMemory builds an in-memory index; memory:// runs and tests use it.
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create in-memory search index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	titleFieldMapping := bleve.NewTextFieldMapping()
	titleFieldMapping.Analyzer = "en"

	bodyFieldMapping := bleve.NewTextFieldMapping()
	bodyFieldMapping.Analyzer = "en"

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("ID", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("Title", titleFieldMapping)
	docMapping.AddFieldMappingsAt("Body", bodyFieldMapping)
	docMapping.AddFieldMappingsAt("Speakers", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("StartTime", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("EndTime", bleve.NewTextFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping
}

func (i *Index) Close() error {
	return i.index.Close()
}

// IndexEntry adds or updates one entry; re-indexing the same id replaces the
// previous document.
func (i *Index) IndexEntry(entry lifelog.Entry, segments []lifelog.Segment) error {
	doc := &EntryDocument{
		ID:        entry.ID,
		Title:     entry.Title,
		Body:      entry.Markdown,
		Speakers:  speakerNames(segments),
		StartTime: entry.StartTime,
		EndTime:   entry.EndTime,
	}
	if err := i.index.Index(doc.ID, doc); err != nil {
		return fmt.Errorf("index entry %s: %w", entry.ID, err)
	}
	return nil
}

func (i *Index) Delete(entryID string) error {
	return i.index.Delete(entryID)
}

// Search runs a query-string query (quotes, boolean operators, fuzzy ~) and
// returns scored hits with highlighted fragments.
func (i *Index) Search(queryStr string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	query := bleve.NewQueryStringQuery(queryStr)
	request := bleve.NewSearchRequestOptions(query, limit, 0, false)
	request.Highlight = bleve.NewHighlightWithStyle("html")
	request.Fields = []string{"Title", "StartTime"}

	hits, err := i.index.Search(request)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", queryStr, err)
	}
	results := make([]Result, 0, len(hits.Hits))
	for _, hit := range hits.Hits {
		result := Result{
			ID:        hit.ID,
			Score:     hit.Score,
			Fragments: hit.Fragments,
		}
		if title, ok := hit.Fields["Title"].(string); ok {
			result.Title = title
		}
		if startTime, ok := hit.Fields["StartTime"].(string); ok {
			result.StartTime = startTime
		}
		results = append(results, result)
	}
	return results, nil
}

func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

func speakerNames(segments []lifelog.Segment) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, seg := range segments {
		name := strings.TrimSpace(seg.SpeakerName)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
