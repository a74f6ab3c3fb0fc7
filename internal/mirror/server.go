package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ppiankov/rootwatch/internal/audit"
)

var (
	// ErrBadRecord is returned for lines that are not audit records.
	ErrBadRecord = errors.New("mirror: malformed record")
	// ErrChainBroken is returned when a record does not continue its trace.
	ErrChainBroken = errors.New("mirror: chain broken")
)

const maxLineBytes = 1 << 20

// Server is the collector. It keeps one chain per source and trace, checks
// every received record against it and appends accepted lines to
// <dir>/<source>.jsonl. It answers both gRPC and HTTP.
type Server struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	chains map[string]*audit.Chain
	files  map[string]*os.File

	grpcServer *grpc.Server
}

// NewServer opens the collector directory and rebuilds chain tails from any
// files already in it, so a restarted collector keeps rejecting gaps.
func NewServer(dir string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mirror: create dir: %w", err)
	}
	s := &Server{
		dir:        dir,
		logger:     logger.With("component", "mirror-server"),
		chains:     make(map[string]*audit.Chain),
		files:      make(map[string]*os.File),
		grpcServer: grpc.NewServer(),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	RegisterAuditMirrorServer(s.grpcServer, s)
	return s, nil
}

func (s *Server) recover() error {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("mirror: list dir: %w", err)
	}
	for _, path := range paths {
		source := strings.TrimSuffix(filepath.Base(path), ".jsonl")
		recs, err := audit.ReadFile(path, audit.Filter{})
		if err != nil {
			return fmt.Errorf("mirror: recover %s: %w", source, err)
		}
		for _, rec := range recs {
			s.chains[chainKey(source, rec.TraceID)] = audit.ResumeChain(rec)
		}
		s.logger.Info("recovered mirror file", "source", source, "records", len(recs))
	}
	return nil
}

func chainKey(source, traceID string) string { return source + "\x00" + traceID }

// Accept verifies line against its chain and stores it.
func (s *Server) Accept(source string, line []byte) (audit.Record, error) {
	if source == "" {
		source = defaultSource
	}
	if !validSource.MatchString(source) {
		return audit.Record{}, fmt.Errorf("%w: invalid source %q", ErrBadRecord, source)
	}
	var rec audit.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return audit.Record{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if rec.TraceID == "" || rec.Hash == "" {
		return audit.Record{}, fmt.Errorf("%w: missing trace_id or hash", ErrBadRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := chainKey(source, rec.TraceID)
	var chain audit.Chain
	if prev, known := s.chains[key]; known {
		// A sender retrying after a lost response resends the tail it
		// already delivered; acknowledge it without storing it twice.
		if seq, hash := prev.Tail(); rec.Seq == seq && rec.Hash == hash {
			if want, err := audit.ComputeHash(rec); err == nil && want == rec.Hash {
				return rec, nil
			}
			return rec, fmt.Errorf("%w: redelivered seq %d does not match its hash", ErrChainBroken, rec.Seq)
		}
		chain = *prev
	} else {
		// The first record seen for a trace anchors it; the sender's log may
		// hold earlier traces that were never mirrored here.
		chain = *audit.NewAnchoredChain()
	}
	if err := chain.Check(rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrChainBroken, err)
	}

	f, err := s.file(source)
	if err != nil {
		return rec, err
	}
	if _, err := f.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		return rec, fmt.Errorf("mirror: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return rec, fmt.Errorf("mirror: sync: %w", err)
	}
	s.chains[key] = &chain
	return rec, nil
}

func (s *Server) file(source string) (*os.File, error) {
	if f, ok := s.files[source]; ok {
		return f, nil
	}
	path := filepath.Join(s.dir, source+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mirror: open %s: %w", path, err)
	}
	s.files[source] = f
	return f, nil
}

// Append implements AuditMirrorServer.
func (s *Server) Append(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	source := defaultSource
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(sourceKey); len(v) > 0 {
			source = v[0]
		}
	}
	rec, err := s.Accept(source, in.GetValue())
	switch {
	case err == nil:
		return &emptypb.Empty{}, nil
	case errors.Is(err, ErrBadRecord):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrChainBroken):
		s.logger.Warn("rejected record", "source", source, "trace_id", rec.TraceID, "seq", rec.Seq, "error", err)
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}

// ServeHTTP accepts one line per POST body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLineBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxLineBytes {
		http.Error(w, "line too large", http.StatusRequestEntityTooLarge)
		return
	}
	source := r.Header.Get(SourceHeader)
	rec, err := s.Accept(source, body)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrBadRecord):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrChainBroken):
		s.logger.Warn("rejected record", "source", source, "trace_id", rec.TraceID, "seq", rec.Seq, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ServeGRPC serves the gRPC API on lis. Blocks until stopped.
func (s *Server) ServeGRPC(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop stops the gRPC server after in-flight calls finish.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// Close closes every open file.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for source, f := range s.files {
		errs = append(errs, f.Close())
		delete(s.files, source)
	}
	return errors.Join(errs...)
}
