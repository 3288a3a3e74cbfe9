package server

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/versionstore/pkg/document"
	"github.com/nainya/versionstore/pkg/versioning"
)

// wireValue converts stored values into what structpb accepts. Ids become
// hex strings and times RFC 3339 strings; schema casting reverses both on
// the way in.
func wireValue(v any) any {
	switch x := v.(type) {
	case bson.ObjectID:
		return x.Hex()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case document.Document:
		return wireMap(x)
	case map[string]any:
		return wireMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = wireValue(e)
		}
		return out
	}
	return v
}

func wireMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = wireValue(v)
	}
	return out
}

func toStruct(doc document.Document) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(wireMap(doc))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode document: %v", err)
	}
	return s, nil
}

func toList(docs []document.Document) (*structpb.ListValue, error) {
	items := make([]any, len(docs))
	for i, d := range docs {
		items[i] = wireMap(d)
	}
	l, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode documents: %v", err)
	}
	return l, nil
}

func requireString(in *structpb.Struct, field string) (string, error) {
	v, ok := in.GetFields()[field]
	if !ok || v.GetStringValue() == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return v.GetStringValue(), nil
}

func requireID(in *structpb.Struct) (bson.ObjectID, error) {
	hex, err := requireString(in, "id")
	if err != nil {
		return bson.ObjectID{}, err
	}
	id, err := bson.ObjectIDFromHex(hex)
	if err != nil {
		return bson.ObjectID{}, status.Errorf(codes.InvalidArgument, "invalid id %q", hex)
	}
	return id, nil
}

func requireStruct(in *structpb.Struct, field string) (map[string]any, error) {
	v := in.GetFields()[field].GetStructValue()
	if v == nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be an object", field)
	}
	return v.AsMap(), nil
}

// toStatus maps store and versioning errors onto gRPC codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var verr *document.ValidationError
	switch {
	case errors.Is(err, versioning.ErrVersionConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, document.ErrNotFound), errors.Is(err, document.ErrUnknownModel):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &verr), errors.Is(err, versioning.ErrNoIdentity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
