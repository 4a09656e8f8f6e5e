package embeddings

import "strings"

// knownDimensions lists output sizes of common models so the engine can
// check a partition's dimensions before the first call.
var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-large-en-v1.5":                 1024,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"fast-bge-small-en-v1.5":                 384,
	"fast-bge-small-en":                      384,
	"fast-bge-base-en-v1.5":                  768,
	"fast-bge-base-en":                       768,
	"fast-bge-small-zh-v1.5":                 512,
	"fast-all-MiniLM-L6-v2":                  384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}

// modelDimension returns the known output size of model, guessing from
// the size suffix for unlisted models. 0 means unknown.
func modelDimension(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "large"):
		return 1024
	case strings.Contains(lower, "base"):
		return 768
	case strings.Contains(lower, "small"), strings.Contains(lower, "mini"):
		return 384
	default:
		return 0
	}
}
