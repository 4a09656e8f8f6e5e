package vectorstore

import (
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/fyrsmithlabs/recalld/internal/chunk"
)

// qdrantIDKey is the payload key holding the original chunk id. Qdrant only
// accepts unsigned integers and UUIDs as point ids.
const qdrantIDKey = "id"

// qdrantPointID maps a chunk id onto a stable UUID.
func qdrantPointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String())
}

func qdrantPoint(c chunk.Chunk) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      qdrantPointID(c.ID),
		Vectors: qdrant.NewVectors(c.Vector...),
		Payload: qdrantPayload(c),
	}
}

// qdrantPayload stores metadata with the text duplicated under "text" and
// the original id under "id".
func qdrantPayload(c chunk.Chunk) map[string]*qdrant.Value {
	md := c.WithText()
	payload := make(map[string]*qdrant.Value, len(md)+1)
	for k, v := range md {
		if qv := qdrantValue(v); qv != nil {
			payload[k] = qv
		}
	}
	payload[qdrantIDKey] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: c.ID}}
	return payload
}

// qdrantValue encodes integral numbers as integers so MatchInt conditions
// find them.
func qdrantValue(v chunk.Value) *qdrant.Value {
	switch v.Kind() {
	case chunk.KindString:
		s, _ := v.Str()
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
	case chunk.KindNumber:
		n, _ := v.Num()
		if v.IsIntegral() {
			return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(n)}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: n}}
	case chunk.KindBool:
		b, _ := v.Boolean()
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: b}}
	case chunk.KindStringList:
		items, _ := v.List()
		values := make([]*qdrant.Value, len(items))
		for i, s := range items {
			values[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
	default:
		return nil
	}
}

// qdrantDecode splits a payload into id, text and metadata. Values that do
// not fit the metadata model (nulls, structs, mixed lists) are dropped.
func qdrantDecode(payload map[string]*qdrant.Value) (id, text string, md chunk.Metadata) {
	md = make(chunk.Metadata, len(payload))
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case qdrantIDKey:
				id = val.StringValue
				continue
			case chunk.MetadataTextKey:
				text = val.StringValue
			}
			md[k] = chunk.String(val.StringValue)
		case *qdrant.Value_IntegerValue:
			md[k] = chunk.Number(float64(val.IntegerValue))
		case *qdrant.Value_DoubleValue:
			md[k] = chunk.Number(val.DoubleValue)
		case *qdrant.Value_BoolValue:
			md[k] = chunk.Bool(val.BoolValue)
		case *qdrant.Value_ListValue:
			items := make([]string, 0, len(val.ListValue.GetValues()))
			for _, item := range val.ListValue.GetValues() {
				s, ok := item.GetKind().(*qdrant.Value_StringValue)
				if !ok {
					items = nil
					break
				}
				items = append(items, s.StringValue)
			}
			if items != nil {
				md[k] = chunk.StringList(items...)
			}
		}
	}
	return id, text, md
}
