// Package server implements the gRPC VersionStore service
package server

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/versionstore/internal/logger"
	"github.com/nainya/versionstore/internal/metrics"
	"github.com/nainya/versionstore/pkg/document"
	"github.com/nainya/versionstore/pkg/storage"
	"github.com/nainya/versionstore/pkg/versioning"
)

// Server implements VersionStoreServer over a document store
type Server struct {
	kv        *storage.KV
	db        *document.DB
	versioned map[string]*versioning.Versioned
	snapshots map[string]bool
	metrics   *metrics.Metrics
	log       *logger.Logger

	startTime time.Time
}

// NewServer creates a server for db. versioned holds the versioned
// collections by name; their snapshot collections are read-only here.
func NewServer(kv *storage.KV, db *document.DB, versioned map[string]*versioning.Versioned, m *metrics.Metrics, log *logger.Logger) *Server {
	snapshots := make(map[string]bool, len(versioned))
	for _, v := range versioned {
		snapshots[v.Shadow.Name()] = true
	}
	return &Server{
		kv:        kv,
		db:        db,
		versioned: versioned,
		snapshots: snapshots,
		metrics:   m,
		log:       log,
		startTime: time.Now(),
	}
}

// Close closes the database
func (s *Server) Close() error {
	return s.kv.Close()
}

func (s *Server) model(in *structpb.Struct) (*document.Model, error) {
	name, err := requireString(in, "collection")
	if err != nil {
		return nil, err
	}
	m, err := s.db.Lookup(name)
	if err != nil {
		return nil, toStatus(err)
	}
	return m, nil
}

// writable resolves a collection that accepts mutations
func (s *Server) writable(ctx context.Context, in *structpb.Struct) (*document.Model, error) {
	m, err := s.model(in)
	if err != nil {
		return nil, err
	}
	if s.snapshots[m.Name()] {
		s.log.Warn("rejected write to snapshot collection").
			Str("collection", m.Name()).
			Str("request_id", RequestID(ctx)).
			Send()
		return nil, status.Errorf(codes.PermissionDenied, "%s holds snapshots and is read-only", m.Name())
	}
	return m, nil
}

func (s *Server) versionedFor(in *structpb.Struct) (*versioning.Versioned, error) {
	name, err := requireString(in, "collection")
	if err != nil {
		return nil, err
	}
	v, ok := s.versioned[name]
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "%s is not a versioned collection", name)
	}
	return v, nil
}

func documentResponse(key string, doc document.Document) (*structpb.Struct, error) {
	ds, err := toStruct(doc)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		key: structpb.NewStructValue(ds),
	}}, nil
}

// Save stores a full document: {collection, document}
func (s *Server) Save(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.writable(ctx, in)
	if err != nil {
		return nil, err
	}
	fields, err := requireStruct(in, "document")
	if err != nil {
		return nil, err
	}

	doc := document.Document(fields)
	if err := m.Save(ctx, doc); err != nil {
		return nil, toStatus(err)
	}
	return documentResponse("document", doc)
}

// Update applies a partial update: {collection, id, update, upsert}
func (s *Server) Update(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.writable(ctx, in)
	if err != nil {
		return nil, err
	}
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	update, err := requireStruct(in, "update")
	if err != nil {
		return nil, err
	}

	var opts []document.UpdateOption
	if in.GetFields()["upsert"].GetBoolValue() {
		opts = append(opts, document.WithUpsert())
	}

	doc, err := m.UpdateByID(ctx, id, document.Update(update), opts...)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse("document", doc)
}

// Remove deletes a document by id: {collection, id}
func (s *Server) Remove(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.writable(ctx, in)
	if err != nil {
		return nil, err
	}
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}

	doc, err := m.RemoveByID(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse("document", doc)
}

// Get reads a document by id: {collection, id}
func (s *Server) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.model(in)
	if err != nil {
		return nil, err
	}
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}

	doc, err := m.FindByID(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse("document", doc)
}

// History lists the snapshots of a document, oldest first: {collection, id}
func (s *Server) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, err := s.versionedFor(in)
	if err != nil {
		return nil, err
	}
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}

	snaps, err := v.History(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	list, err := toList(snaps)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"snapshots": structpb.NewListValue(list),
	}}, nil
}

// SnapshotAsOf returns the last snapshot taken at or before a time:
// {collection, id, asOf (RFC 3339)}
func (s *Server) SnapshotAsOf(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, err := s.versionedFor(in)
	if err != nil {
		return nil, err
	}
	id, err := requireID(in)
	if err != nil {
		return nil, err
	}
	raw, err := requireString(in, "asOf")
	if err != nil {
		return nil, err
	}
	asOf, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid asOf %q: %v", raw, err)
	}

	snap, err := v.AsOf(ctx, id, asOf)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse("snapshot", snap)
}

// Stats reports store size and registered collections
func (s *Server) Stats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	keys := s.kv.Len()
	if s.metrics != nil {
		s.metrics.UpdateDbStats(keys)
	}

	collections := make([]any, 0)
	for _, name := range s.db.Models() {
		collections = append(collections, name)
	}
	out, err := structpb.NewStruct(map[string]any{
		"keys":           keys,
		"collections":    collections,
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

var _ VersionStoreServer = (*Server)(nil)
