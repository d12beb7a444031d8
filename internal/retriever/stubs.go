package retriever

import (
	"context"
	"fmt"
)

// WebSearchResult is the shape returned by the web search stand-in.
type WebSearchResult struct {
	Query   string   `json:"query"`
	Results []string `json:"results"`
}

// NewWebSearchStub returns a Retriever that echoes its query argument back
// as a single deterministic "result" — a stand-in for a real web-search
// backend (e.g. a Bing/Tavily/Serper client), wired the same way a real one
// would be via the Registry.
func NewWebSearchStub() Retriever {
	return RetrieverFunc(func(_ context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return nil, fmt.Errorf("retriever: search_web requires a non-empty \"query\" argument")
		}
		return WebSearchResult{
			Query:   query,
			Results: []string{fmt.Sprintf("stub result for %q", query)},
		}, nil
	})
}

// VectorSearchResult is the shape returned by the vector search stand-in.
type VectorSearchResult struct {
	Collection string   `json:"collection"`
	Matches    []string `json:"matches"`
}

// NewVectorSearchStub stands in for a real vector database client (e.g.
// Qdrant, Pinecone, Weaviate). The "collection" argument is the
// argument-derived resource name the Authorization Engine evaluates grants
// against.
func NewVectorSearchStub() Retriever {
	return RetrieverFunc(func(_ context.Context, args map[string]any) (any, error) {
		collection, _ := args["collection"].(string)
		if collection == "" {
			return nil, fmt.Errorf("retriever: search_vector requires a non-empty \"collection\" argument")
		}
		return VectorSearchResult{
			Collection: collection,
			Matches:    []string{fmt.Sprintf("stub match in %q", collection)},
		}, nil
	})
}

// VectorWriteResult is the shape returned by the vector-write stand-in.
type VectorWriteResult struct {
	Collection string `json:"collection"`
	Written    int    `json:"written"`
}

// NewVectorWriteStub stands in for a vector database's upsert path. It is
// an admin-only, side-effecting tool (write_vector), so the Dispatcher never
// caches its result regardless of this stub's own idempotence.
func NewVectorWriteStub() Retriever {
	return RetrieverFunc(func(_ context.Context, args map[string]any) (any, error) {
		collection, _ := args["collection"].(string)
		if collection == "" {
			return nil, fmt.Errorf("retriever: write_vector requires a non-empty \"collection\" argument")
		}
		return VectorWriteResult{Collection: collection, Written: 1}, nil
	})
}

// DatabaseQueryResult is the shape returned by the database query stand-in.
type DatabaseQueryResult struct {
	Table string           `json:"table"`
	Rows  []map[string]any `json:"rows"`
}

// NewDatabaseQueryStub stands in for a real relational/analytical database
// client. The "table" argument is the argument-derived resource name.
func NewDatabaseQueryStub() Retriever {
	return RetrieverFunc(func(_ context.Context, args map[string]any) (any, error) {
		table, _ := args["table"].(string)
		if table == "" {
			return nil, fmt.Errorf("retriever: query_database requires a non-empty \"table\" argument")
		}
		return DatabaseQueryResult{
			Table: table,
			Rows:  []map[string]any{{"id": 1, "note": "stub row"}},
		}, nil
	})
}
