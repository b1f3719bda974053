package uds

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// shortSockPath keeps socket paths under the 104-byte sun_path limit of some platforms.
func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "ob-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, DefaultSocketName)
}

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	sock := shortSockPath(t)
	srv := NewServer(sock, nil)
	srv.Handle("ping", func(*Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})
	srv.Handle("push", func(req *Request) *Response {
		var p struct {
			Task   string         `json:"task"`
			Params map[string]any `json:"params"`
		}
		if err := req.DecodeParams(&p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		if p.Task == "" {
			return ErrorResponse(ErrCodeValidation, "task is required")
		}
		return SuccessResponse(map[string]any{"task": p.Task, "params": p.Params})
	})
	srv.Handle("boom", func(*Request) *Response { panic("handler bug") })
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	client := NewClient(sock)
	client.SetTimeout(5 * time.Second)
	return srv, client
}

func TestServer_Call(t *testing.T) {
	_, client := startServer(t)

	var out map[string]string
	if err := client.Call("ping", nil, &out); err != nil {
		t.Fatalf("Call ping: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("unexpected ping response %v", out)
	}

	var pushed struct {
		Task   string         `json:"task"`
		Params map[string]any `json:"params"`
	}
	err := client.Call("push", map[string]any{"task": "build", "params": map[string]any{"force": true}}, &pushed)
	if err != nil {
		t.Fatalf("Call push: %v", err)
	}
	if pushed.Task != "build" || pushed.Params["force"] != true {
		t.Errorf("unexpected push response %+v", pushed)
	}
}

func TestServer_ValidationError(t *testing.T) {
	_, client := startServer(t)

	err := client.Call("push", map[string]any{}, nil)
	var detail *ErrorDetail
	if !errors.As(err, &detail) {
		t.Fatalf("expected *ErrorDetail, got %v", err)
	}
	if detail.Code != ErrCodeValidation {
		t.Errorf("expected %s, got %s", ErrCodeValidation, detail.Code)
	}

	resp, err := client.Send(&Request{ProtocolVersion: ProtocolVersion, Command: "push", Params: []byte(`"oops"`)})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeValidation {
		t.Errorf("expected validation error for malformed params, got %+v", resp)
	}
}

func TestServer_ProtocolMismatch(t *testing.T) {
	_, client := startServer(t)

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "ping"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Fatalf("expected protocol mismatch, got %+v", resp)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client := startServer(t)

	resp, err := client.SendCommand("deploy", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeUnknownCommand {
		t.Fatalf("expected unknown command, got %+v", resp)
	}
}

func TestServer_HandlerPanic(t *testing.T) {
	_, client := startServer(t)

	resp, err := client.SendCommand("boom", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeInternal {
		t.Fatalf("expected internal error, got %+v", resp)
	}

	if err := client.Call("ping", nil, nil); err != nil {
		t.Fatalf("server should keep serving after a panic: %v", err)
	}
}

func TestServer_ConcurrentClients(t *testing.T) {
	_, client := startServer(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.Call("ping", nil, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent ping: %v", err)
		}
	}
}

func TestServer_SocketPermissionsAndCleanup(t *testing.T) {
	srv, _ := startServer(t)

	info, err := os.Stat(srv.socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600, got %o", perm)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(srv.socketPath); !os.IsNotExist(err) {
		t.Error("socket should be removed after Stop")
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(shortSockPath(t))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand("ping", nil)
	if err == nil || !strings.Contains(err.Error(), "ostbuild daemon") {
		t.Fatalf("expected hint to start the daemon, got %v", err)
	}
}

func TestResponse_Decode(t *testing.T) {
	if err := SuccessResponse(nil).Decode(nil); err != nil {
		t.Errorf("nil data: %v", err)
	}

	err := ErrorResponse(ErrCodeNotFound, "no such attempt").Decode(nil)
	var detail *ErrorDetail
	if !errors.As(err, &detail) || detail.Code != ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND detail, got %v", err)
	}
	if err.Error() != "NOT_FOUND: no such attempt" {
		t.Errorf("unexpected message %q", err.Error())
	}

	if err := (&Response{}).Decode(nil); err == nil {
		t.Error("expected error for failed response without detail")
	}
}

func TestRequest_DecodeParamsEmpty(t *testing.T) {
	req, err := NewRequest("state", nil)
	if err != nil {
		t.Fatal(err)
	}
	v := struct{ X int }{X: 7}
	if err := req.DecodeParams(&v); err != nil || v.X != 7 {
		t.Errorf("empty params should leave target untouched: %v %+v", err, v)
	}
}

func TestServer_EchoesRequestID(t *testing.T) {
	_, client := startServer(t)

	req, err := NewRequest("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if req.ID == "" {
		t.Fatal("NewRequest should assign an ID")
	}
	resp, err := client.Send(req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.RequestID != req.ID {
		t.Errorf("request id: got %q, want %q", resp.RequestID, req.ID)
	}
}

func TestServer_BusyRejectsBeyondMaxConns(t *testing.T) {
	sock := shortSockPath(t)
	srv := NewServer(sock, nil)
	srv.SetMaxConns(1)
	entered := make(chan struct{})
	release := make(chan struct{})
	srv.Handle("slow", func(*Request) *Response {
		close(entered)
		<-release
		return SuccessResponse(nil)
	})
	srv.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	client := NewClient(sock)
	client.SetTimeout(5 * time.Second)

	slowErr := make(chan error, 1)
	go func() { slowErr <- client.Call("slow", nil, nil) }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("slow handler never ran")
	}

	if err := client.Call("ping", nil, nil); !HasCode(err, ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE while busy, got %v", err)
	}

	close(release)
	if err := <-slowErr; err != nil {
		t.Fatalf("slow call: %v", err)
	}
	// The slot is released just after the slow response is written.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := client.Call("ping", nil, nil)
		if err == nil {
			break
		}
		if !HasCode(err, ErrCodeUnavailable) || time.Now().After(deadline) {
			t.Fatalf("ping after the slot was freed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_StartRefusesLiveSocket(t *testing.T) {
	srv, _ := startServer(t)

	other := NewServer(srv.socketPath, nil)
	if err := other.Start(); !errors.Is(err, ErrSocketInUse) {
		t.Fatalf("expected ErrSocketInUse, got %v", err)
	}
}

func TestServer_StartReplacesStaleSocket(t *testing.T) {
	sock := shortSockPath(t)
	if err := os.WriteFile(sock, nil, 0600); err != nil {
		t.Fatal(err)
	}
	srv := NewServer(sock, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	_ = srv.Stop()
}

func TestReadFrame_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)
	buf.Write(header[:])

	var v map[string]any
	if err := ReadFrame(&buf, &v); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
