package semantic

import (
	"github.com/WessleyAI/captionstore/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
)

// Payload keys stored on every Qdrant point.
const (
	keyHash    = "content_hash"
	keyPath    = "source_path"
	keyCaption = "caption"
)

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func payloadOf(rec domain.EmbeddingRecord) map[string]*pb.Value {
	return map[string]*pb.Value{
		keyHash:    stringValue(rec.ContentHash),
		keyPath:    stringValue(rec.SourcePath),
		keyCaption: stringValue(rec.Caption),
	}
}

func pointOf(rec domain.EmbeddingRecord) *pb.PointStruct {
	return &pb.PointStruct{
		Id: pointID(rec.ContentHash),
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: rec.Embedding},
			},
		},
		Payload: payloadOf(rec),
	}
}

func pointID(hash string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(hash)}}
}

// recordOf converts a retrieved point back to a record. The embedding is
// only present when the request asked for vectors.
func recordOf(p *pb.RetrievedPoint) domain.EmbeddingRecord {
	pl := p.GetPayload()
	rec := domain.EmbeddingRecord{
		ContentHash: pl[keyHash].GetStringValue(),
		SourcePath:  pl[keyPath].GetStringValue(),
		Caption:     pl[keyCaption].GetStringValue(),
	}
	if v := p.GetVectors().GetVector(); v != nil {
		if d := v.GetDense(); d != nil {
			rec.Embedding = d.GetData()
		} else {
			rec.Embedding = v.GetData()
		}
	}
	return rec
}

func hitOf(p *pb.ScoredPoint) domain.Hit {
	pl := p.GetPayload()
	d := p.GetScore()
	return domain.Hit{
		ContentHash: pl[keyHash].GetStringValue(),
		SourcePath:  pl[keyPath].GetStringValue(),
		Caption:     pl[keyCaption].GetStringValue(),
		Distance:    d * d,
	}
}

var (
	withPayload = &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
	withVectors = &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}}
	noVectors   = &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: false}}
)
