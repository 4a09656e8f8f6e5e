package vectorstore

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/filter"
)

// Provider identifies a vector backend. The set is closed; every switch over
// it must list all variants.
type Provider int

const (
	ProviderQdrant Provider = iota + 1
	ProviderPinecone
	ProviderTurbopuffer
	ProviderEmbedded
)

// Providers lists every backend.
var Providers = []Provider{ProviderQdrant, ProviderPinecone, ProviderTurbopuffer, ProviderEmbedded}

func (p Provider) String() string {
	switch p {
	case ProviderQdrant:
		return "qdrant"
	case ProviderPinecone:
		return "pinecone"
	case ProviderTurbopuffer:
		return "turbopuffer"
	case ProviderEmbedded:
		return "embedded"
	default:
		return fmt.Sprintf("provider(%d)", int(p))
	}
}

// ParseProvider maps a configuration string to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "qdrant":
		return ProviderQdrant, nil
	case "pinecone":
		return ProviderPinecone, nil
	case "turbopuffer":
		return ProviderTurbopuffer, nil
	case "embedded", "chromem":
		return ProviderEmbedded, nil
	default:
		return 0, fmt.Errorf("%w: unknown vector store provider %q", ErrInvalidConfig, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Provider) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Provider) UnmarshalText(text []byte) error {
	parsed, err := ParseProvider(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

var (
	qdrantMatrix = filter.NewSupportMatrix("qdrant",
		filter.OpAnd, filter.OpOr,
		filter.OpEq, filter.OpNe, filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte,
		filter.OpIn, filter.OpNin, filter.OpAll,
		filter.OpExists,
	)
	pineconeMatrix = filter.NewSupportMatrix("pinecone",
		filter.OpAnd, filter.OpOr,
		filter.OpEq, filter.OpNe, filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte,
		filter.OpIn, filter.OpNin,
		filter.OpExists,
	)
	turbopufferMatrix = filter.NewSupportMatrix("turbopuffer",
		filter.OpAnd, filter.OpOr,
		filter.OpEq, filter.OpNe, filter.OpGt, filter.OpGte, filter.OpLt, filter.OpLte,
		filter.OpIn, filter.OpNin, filter.OpAll,
		filter.OpExists,
	)
	embeddedMatrix = filter.NewSupportMatrix("embedded",
		filter.OpAnd,
		filter.OpEq,
	)
)

// SupportMatrix returns the operators the backend's translator accepts.
func (p Provider) SupportMatrix() filter.SupportMatrix {
	switch p {
	case ProviderQdrant:
		return qdrantMatrix
	case ProviderPinecone:
		return pineconeMatrix
	case ProviderTurbopuffer:
		return turbopufferMatrix
	case ProviderEmbedded:
		return embeddedMatrix
	default:
		return filter.NewSupportMatrix(p.String())
	}
}

// PartitionNamer returns the backend's partition naming rules.
func (p Provider) PartitionNamer() PartitionNamer {
	switch p {
	case ProviderQdrant:
		return qdrantNamer
	case ProviderPinecone:
		return pineconeNamer
	case ProviderTurbopuffer:
		return turbopufferNamer
	case ProviderEmbedded:
		return embeddedNamer
	default:
		return qdrantNamer
	}
}

// Translate compiles expr into the backend's native filter. The result is
// nil when expr imposes no constraint.
func (p Provider) Translate(expr filter.Expr) (any, error) {
	switch p {
	case ProviderQdrant:
		f, err := TranslateQdrantFilter(expr)
		if f == nil || err != nil {
			return nil, err
		}
		return f, nil
	case ProviderPinecone:
		f, err := TranslatePineconeFilter(expr)
		if f == nil || err != nil {
			return nil, err
		}
		return f, nil
	case ProviderTurbopuffer:
		f, err := TranslateTurbopufferFilter(expr)
		if f == nil || err != nil {
			return nil, err
		}
		return f, nil
	case ProviderEmbedded:
		f, err := TranslateChromemFilter(expr)
		if f == nil || err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, p)
	}
}
