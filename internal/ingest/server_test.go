package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/sink"
)

type fakeAcceptor struct {
	mu       sync.Mutex
	records  []sink.Record
	flushErr error
	flushed  int
}

func (f *fakeAcceptor) Accept(rec sink.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeAcceptor) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return f.flushErr
}

func (f *fakeAcceptor) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func newTestServer(t *testing.T, acc Acceptor) *http.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Serve("127.0.0.1:0", acc, log, nil)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = Shutdown(ctx, srv)
	})
	return srv
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestServeRejectsOccupiedAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Serve(ln.Addr().String(), &fakeAcceptor{}, log, nil)
	if err == nil {
		_ = srv.Close()
		t.Fatal("expected an error binding an occupied address")
	}
	if !strings.Contains(err.Error(), "ingest listen") {
		t.Errorf("error %q does not name the listener", err)
	}
}

const validLine = `{"table":"evt_erc20_transfer","chain_id":137,"block_number":4200,"block_timestamp":1710000000,"log_index":3,"tx_hash":"0xabc","src_address":"0xdef","fields":[{"name":"from","value":"0xaaa"},{"name":"to","value":"0xbbb"},{"name":"amount","value":"1000"}]}`

func TestIngestAcceptsNDJSON(t *testing.T) {
	acc := &fakeAcceptor{}
	srv := newTestServer(t, acc)

	body := strings.Join([]string{
		validLine,
		"",
		`{"table":"evt_erc20_transfer","chain_id":137,"block_number":4201,"block_timestamp":1710000012,"log_index":0,"tx_hash":"0xbcd","src_address":"0xdef","fields":[]}`,
	}, "\n")

	req := httptest.NewRequest(http.MethodPost, "http://localhost/ingest", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want %d (%s)", w.Code, http.StatusAccepted, w.Body.String())
	}

	var resp map[string]int
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["accepted"] != 2 {
		t.Errorf("accepted = %d, want 2", resp["accepted"])
	}
	if resp["pending"] != 2 {
		t.Errorf("pending = %d, want 2", resp["pending"])
	}

	if len(acc.records) != 2 {
		t.Fatalf("buffered %d records, want 2", len(acc.records))
	}

	first := acc.records[0]
	if first.ID() != "137_4200_3" {
		t.Errorf("record id = %q, want 137_4200_3", first.ID())
	}
	if !first.BlockTimestamp.Equal(time.Unix(1710000000, 0).UTC()) {
		t.Errorf("block timestamp = %v, want %v", first.BlockTimestamp, time.Unix(1710000000, 0).UTC())
	}
	wantFields := []string{"from", "to", "amount"}
	if len(first.Fields) != len(wantFields) {
		t.Fatalf("got %d fields, want %d", len(first.Fields), len(wantFields))
	}
	for i, name := range wantFields {
		if first.Fields[i].Name != name {
			t.Errorf("field[%d] = %q, want %q", i, first.Fields[i].Name, name)
		}
	}
}

func TestIngestRejectsMalformedLine(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "broken_json",
			body: validLine + "\n{not json}",
			want: "line 2",
		},
		{
			name: "missing_table",
			body: `{"chain_id":1,"block_number":5,"block_timestamp":1710000000,"tx_hash":"0x1"}`,
			want: "table is required",
		},
		{
			name: "bad_table_name",
			body: `{"table":"events; DROP TABLE","chain_id":1,"block_number":5,"block_timestamp":1710000000,"tx_hash":"0x1"}`,
			want: "invalid table name",
		},
		{
			name: "missing_chain",
			body: `{"table":"evt_erc20_transfer","block_number":5,"block_timestamp":1710000000,"tx_hash":"0x1"}`,
			want: "chain_id is required",
		},
		{
			name: "missing_timestamp",
			body: `{"table":"evt_erc20_transfer","chain_id":1,"block_number":5,"tx_hash":"0x1"}`,
			want: "block_timestamp is required",
		},
		{
			name: "unnamed_field",
			body: `{"table":"evt_erc20_transfer","chain_id":1,"block_number":5,"block_timestamp":1710000000,"tx_hash":"0x1","fields":[{"value":"x"}]}`,
			want: "field name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := &fakeAcceptor{}
			srv := newTestServer(t, acc)

			req := httptest.NewRequest(http.MethodPost, "http://localhost/ingest", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			srv.Handler.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status code = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("body %q does not mention %q", w.Body.String(), tt.want)
			}
		})
	}
}

func TestIngestRejectsWrongMethod(t *testing.T) {
	srv := newTestServer(t, &fakeAcceptor{})

	req := httptest.NewRequest(http.MethodGet, "http://localhost/ingest", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestFlushForcesAccumulator(t *testing.T) {
	acc := &fakeAcceptor{}
	srv := newTestServer(t, acc)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/flush", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d (%s)", w.Code, http.StatusOK, w.Body.String())
	}
	if acc.flushed != 1 {
		t.Errorf("flush calls = %d, want 1", acc.flushed)
	}
}

func TestFlushReportsFailure(t *testing.T) {
	acc := &fakeAcceptor{flushErr: io.ErrUnexpectedEOF}
	srv := newTestServer(t, acc)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/flush", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(w.Body.String(), "unexpected EOF") {
		t.Errorf("body %q does not mention flush error", w.Body.String())
	}
}

func TestCloseSeversStreamingRequest(t *testing.T) {
	acc := &fakeAcceptor{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Serve("127.0.0.1:0", acc, log, nil)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, "http://"+srv.Addr+"/ingest", pr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()

	if _, err := pw.Write([]byte(validLine + "\n")); err != nil {
		t.Fatalf("write line: %v", err)
	}
	waitFor(t, func() bool { return acc.Pending() == 1 })

	// A request still streaming holds the graceful path past its deadline.
	expired, cancel := context.WithDeadline(context.Background(), time.Now())
	defer cancel()
	if err := Shutdown(expired, srv); err == nil {
		t.Fatal("expected shutdown to give up on the streaming request")
	}

	_ = srv.Close()
	// Release the request body so the transport's write loop can exit;
	// Do cannot return the severed-connection error while it is blocked
	// reading the still-open pipe.
	_ = pw.CloseWithError(io.ErrClosedPipe)

	if err := <-done; err == nil {
		t.Fatal("expected the streaming request to be severed")
	}
	if got := acc.Pending(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
}
