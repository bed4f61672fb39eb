package scanner

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

func TestEnvelopeFraming(t *testing.T) {
	var buf bytes.Buffer
	fw := &frameWriter{w: &buf}
	cfg := testConfig()
	if err := fw.write(envelope{Config: &cfg}); err != nil {
		t.Fatalf("write config: %s", err)
	}
	res := Result{Kind: ResultBatch, DeviceID: "S1", LocationID: 1, Tags: []string{"E2001122"}, Timestamp: time.Now()}
	if err := fw.write(envelope{Result: &res}); err != nil {
		t.Fatalf("write result: %s", err)
	}

	env, err := readEnvelope(&buf)
	if err != nil {
		t.Fatalf("read config: %s", err)
	}
	if env.Config == nil || env.Result != nil {
		t.Fatalf("first frame got %+v want config only", env)
	}
	if env.Config.Descriptor != cfg.Descriptor || env.Config.ScanInterval != cfg.ScanInterval {
		t.Errorf("config round trip got %+v want %+v", *env.Config, cfg)
	}
	env, err = readEnvelope(&buf)
	if err != nil {
		t.Fatalf("read result: %s", err)
	}
	if env.Result == nil || len(env.Result.Tags) != 1 || env.Result.Tags[0] != "E2001122" {
		t.Errorf("second frame got %+v", env)
	}
	if _, err := readEnvelope(&buf); err != io.EOF {
		t.Errorf("reading past the end got %v want EOF", err)
	}

	t.Log("Oversized frames are rejected without allocating them.")
	if _, err := readEnvelope(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})); err == nil {
		t.Errorf("oversized frame accepted")
	}
}

// startPipeWorker runs RunChild on the other end of a pair of in-memory pipes, the same
// wiring ProcessSpawner sets up with a real child process.
func startPipeWorker(t *testing.T, cfg Config, open uhf.Opener) *pipeHandle {
	t.Helper()
	childStdin, supervisorStdin := io.Pipe()
	supervisorStdout, childStdout := io.Pipe()
	kill := func() error {
		childStdin.CloseWithError(io.ErrClosedPipe)
		return nil
	}
	h := newPipeHandle(cfg, supervisorStdin, supervisorStdout, kill)
	go func() {
		err := RunChild(context.Background(), childStdin, childStdout, open)
		t.Logf("RunChild returned: %v", err)
		childStdout.Close()
		<-h.readerDone
		h.exited()
	}()
	if err := h.writer.write(envelope{Config: &cfg}); err != nil {
		t.Fatalf("send config: %s", err)
	}
	return h
}

func TestPipeHandleRoundTrip(t *testing.T) {
	reader := &fakeReader{
		serial: "00A1",
		params: uhf.Params{RFPower: 26},
		rounds: [][]readStep{{tagStep("E2001122", 1)}},
	}
	h := startPipeWorker(t, testConfig(), openerFor(reader))

	r := nextResult(t, h.Results())
	if r.Status != StatusConnected || r.Serial != "00A1" {
		t.Fatalf("first result got %+v want connected", r)
	}
	r = nextResult(t, h.Results())
	if r.Kind != ResultBatch || len(r.Tags) != 1 {
		t.Fatalf("second result got %+v want batch", r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := h.Request(ctx, SetParam(uhf.KeyRfPower, "30"))
	if err != nil {
		t.Fatalf("Request: %s", err)
	}
	if resp.Kind != ResponseOK || resp.Params == nil || resp.Params.RFPower != 30 {
		t.Errorf("set param response got %+v", resp)
	}

	if err := h.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %s", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("Done not closed after Stop returned")
	}
	if h.Alive() {
		t.Errorf("handle alive after Stop")
	}
	for range h.Results() {
	}
}

func TestPipeHandleWorkerFailure(t *testing.T) {
	open := func(d uhf.Descriptor) (uhf.Reader, error) {
		return nil, &uhf.Error{Op: "open", Code: uhf.CodeNoDevice}
	}
	h := startPipeWorker(t, testConfig(), open)
	r := nextResult(t, h.Results())
	if r.Status != StatusConnectionFailed {
		t.Fatalf("got %+v want connection_failed", r)
	}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle not done after the worker failed")
	}
	if _, ok := <-h.Results(); ok {
		t.Errorf("results still open after the worker exited")
	}
	if _, err := h.Request(context.Background(), GetParams()); err != ErrWorkerExited {
		t.Errorf("Request on exited worker got %v want ErrWorkerExited", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	reqs := newRequests()
	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err := reqs.do(ctx, done, GetParams(), func(Command) error { return nil })
	if err != nil {
		t.Fatalf("do: %s", err)
	}
	if resp.Kind != ResponseTimeout {
		t.Errorf("got %+v want timeout", resp)
	}
	t.Log("A response arriving after the caller gave up is dropped.")
	if reqs.deliver(Response{ID: resp.ID, Kind: ResponseOK}) {
		t.Errorf("late response was delivered")
	}
}
