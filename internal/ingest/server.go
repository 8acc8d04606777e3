package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/sink"
)

// Acceptor is the slice of the accumulator the listener needs.
type Acceptor interface {
	Accept(rec sink.Record)
	Flush(ctx context.Context) error
	Pending() int
}

// Single rows stay small; the cap guards against unframed garbage.
const maxLineBytes = 4 * 1024 * 1024

var tablePattern = regexp.MustCompile(`^evt_[a-z0-9_]+$`)

// wireRecord is the NDJSON ingestion format. Decoded fields arrive as an
// array, not an object, so their order survives the trip.
type wireRecord struct {
	Table          string      `json:"table"`
	ChainID        uint64      `json:"chain_id"`
	BlockNumber    uint64      `json:"block_number"`
	BlockTimestamp int64       `json:"block_timestamp"`
	LogIndex       uint32      `json:"log_index"`
	TxHash         string      `json:"tx_hash"`
	SrcAddress     string      `json:"src_address"`
	Fields         []wireField `json:"fields"`
}

type wireField struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func (wr wireRecord) toRecord() (sink.Record, error) {
	if wr.Table == "" {
		return sink.Record{}, errors.New("table is required")
	}
	if !tablePattern.MatchString(wr.Table) {
		return sink.Record{}, fmt.Errorf("invalid table name %q", wr.Table)
	}
	if wr.ChainID == 0 {
		return sink.Record{}, errors.New("chain_id is required")
	}
	if wr.TxHash == "" {
		return sink.Record{}, errors.New("tx_hash is required")
	}
	if wr.BlockTimestamp <= 0 {
		return sink.Record{}, errors.New("block_timestamp is required")
	}

	fields := make([]sink.Field, 0, len(wr.Fields))
	for _, f := range wr.Fields {
		if f.Name == "" {
			return sink.Record{}, errors.New("field name is required")
		}
		fields = append(fields, sink.Field{Name: f.Name, Value: f.Value})
	}
	return sink.Record{
		Table:          wr.Table,
		ChainID:        wr.ChainID,
		BlockNumber:    wr.BlockNumber,
		BlockTimestamp: time.Unix(wr.BlockTimestamp, 0).UTC(),
		LogIndex:       wr.LogIndex,
		TxHash:         wr.TxHash,
		SrcAddress:     wr.SrcAddress,
		Fields:         fields,
	}, nil
}

type handler struct {
	acc Acceptor
	log *slog.Logger
	mtr *metrics.Metrics
}

// Serve starts the ingestion listener: POST /ingest accepts NDJSON event
// records into the accumulator, POST /flush forces a synchronous flush. The
// address is bound before Serve returns; a bind failure is the caller's to
// handle, and serve errors after that are logged. The returned server carries
// the resolved address in Addr.
func Serve(addr string, acc Acceptor, log *slog.Logger, mtr *metrics.Metrics) (*http.Server, error) {
	h := &handler{acc: acc, log: log, mtr: mtr}

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", h.ingest)
	mux.HandleFunc("/flush", h.flush)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ingest listen: %w", err)
	}

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("ingest listener failed", "error", err)
		}
	}()
	return srv, nil
}

// Shutdown gracefully shuts down the ingestion listener.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}

// ingest buffers one record per NDJSON line. A malformed line rejects the
// request with its line number; lines before it are already buffered, and a
// retry of the whole body is safe because rewritten rows dedup by id.
func (h *handler) ingest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line, accepted := 0, 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var wr wireRecord
		if err := json.Unmarshal(raw, &wr); err != nil {
			http.Error(w, fmt.Sprintf("line %d: %v", line, err), http.StatusBadRequest)
			return
		}
		rec, err := wr.toRecord()
		if err != nil {
			http.Error(w, fmt.Sprintf("line %d: %v", line, err), http.StatusBadRequest)
			return
		}
		h.acc.Accept(rec)
		accepted++
	}
	if err := scanner.Err(); err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}

	h.mtr.RecordsAccepted(accepted)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"pending":  h.acc.Pending(),
	})
}

func (h *handler) flush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.acc.Flush(r.Context()); err != nil {
		h.log.Error("forced flush failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"pending": h.acc.Pending()})
}
