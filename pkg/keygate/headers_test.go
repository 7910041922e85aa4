package keygate

import "testing"

// ============ Volatile Header Filtering ============

func TestFilterResponseHeaders_StripsVolatile(t *testing.T) {
	headers := map[string]string{
		"Content-Type":      "application/json",
		"Date":              "Mon, 24 Aug 2026 00:00:00 GMT",
		"Server":            "demo/1.0",
		"Transfer-Encoding": "chunked",
		"Connection":        "keep-alive",
	}

	filtered := FilterResponseHeaders(headers, false, nil)

	if _, ok := filtered["Content-Type"]; !ok {
		t.Error("content-type should survive filtering")
	}
	for _, name := range []string{"Date", "Server", "Transfer-Encoding", "Connection"} {
		if _, ok := filtered[name]; ok {
			t.Errorf("volatile header %s survived filtering", name)
		}
	}
}

func TestFilterResponseHeaders_CaseInsensitive(t *testing.T) {
	filtered := FilterResponseHeaders(map[string]string{"DATE": "x", "sErVeR": "y", "X-Ok": "z"}, false, nil)
	if len(filtered) != 1 {
		t.Errorf("expected 1 surviving header, got %d: %v", len(filtered), filtered)
	}
}

func TestFilterResponseHeaders_CookieRemoval(t *testing.T) {
	headers := map[string]string{
		"Set-Cookie": "session=abc",
		"ETag":       `"v1"`,
		"X-Ok":       "keep",
	}

	kept := FilterResponseHeaders(headers, false, nil)
	if _, ok := kept["Set-Cookie"]; !ok {
		t.Error("set-cookie should survive when cookie removal is off")
	}

	stripped := FilterResponseHeaders(headers, true, nil)
	if _, ok := stripped["Set-Cookie"]; ok {
		t.Error("set-cookie survived cookie removal")
	}
	if _, ok := stripped["ETag"]; ok {
		t.Error("etag survived cookie removal")
	}
	if _, ok := stripped["X-Ok"]; !ok {
		t.Error("unrelated header was stripped")
	}
}

func TestFilterResponseHeaders_Additional(t *testing.T) {
	filtered := FilterResponseHeaders(map[string]string{"X-Internal": "1", "X-Ok": "2"}, false, []string{"X-INTERNAL"})
	if _, ok := filtered["X-Internal"]; ok {
		t.Error("additional header survived filtering")
	}
	if _, ok := filtered["X-Ok"]; !ok {
		t.Error("unrelated header was stripped")
	}
}

// ============ Replay Header Injection ============

func TestAddReplayHeaders(t *testing.T) {
	out := AddReplayHeaders(map[string]string{"Content-Type": "text/plain"}, "key-1", true)

	if out[ReplayHeader] != "true" {
		t.Errorf("replay header = %q, want true", out[ReplayHeader])
	}
	if out[KeyHeader] != "key-1" {
		t.Errorf("key header = %q, want key-1", out[KeyHeader])
	}
	if out["Content-Type"] != "text/plain" {
		t.Error("existing header lost")
	}

	out = AddReplayHeaders(nil, "key-2", false)
	if out[ReplayHeader] != "false" {
		t.Errorf("replay header = %q, want false", out[ReplayHeader])
	}
}

func TestAddReplayHeaders_OverwritesExisting(t *testing.T) {
	// A handler trying to spoof the indicator gets overwritten, whatever
	// the casing.
	out := AddReplayHeaders(map[string]string{
		"idempotent-replay": "true",
		"IDEMPOTENCY-KEY":   "spoofed",
	}, "real-key", false)

	if len(out) != 2 {
		t.Errorf("expected exactly 2 headers, got %v", out)
	}
	if out[ReplayHeader] != "false" {
		t.Errorf("replay header = %q, want false", out[ReplayHeader])
	}
	if out[KeyHeader] != "real-key" {
		t.Errorf("key header = %q, want real-key", out[KeyHeader])
	}
}

func TestAddReplayHeaders_DoesNotMutateInput(t *testing.T) {
	in := map[string]string{"Content-Type": "text/plain"}
	AddReplayHeaders(in, "k", true)
	if len(in) != 1 {
		t.Error("input map was mutated")
	}
}

// ============ Header Lookup ============

func TestHeaderValue(t *testing.T) {
	headers := map[string]string{"Idempotency-Key": "abc"}

	if v, ok := HeaderValue(headers, "idempotency-key"); !ok || v != "abc" {
		t.Errorf("HeaderValue = %q, %v; want abc, true", v, ok)
	}
	if _, ok := HeaderValue(headers, "missing"); ok {
		t.Error("lookup of a missing header reported present")
	}
}

// ============ Replay Codec ============

func TestReplayResponse_RoundTrip(t *testing.T) {
	stored := NewStoredResponse(201,
		map[string]string{"Content-Type": "application/json", "Date": "stale"},
		[]byte(`{"id":"pay_1"}`))
	rec := &IdempotencyRecord{Key: "k", State: StateCompleted, Response: stored}

	resp, err := ReplayResponse(rec, "k")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if resp.Status != 201 {
		t.Errorf("status = %d, want 201", resp.Status)
	}
	if string(resp.Body) != `{"id":"pay_1"}` {
		t.Errorf("body = %q", resp.Body)
	}
	if _, ok := resp.Headers["Date"]; ok {
		t.Error("volatile header survived replay")
	}
	if resp.Headers[ReplayHeader] != "true" {
		t.Error("replay indicator missing")
	}
	if resp.Headers[KeyHeader] != "k" {
		t.Error("key echo missing")
	}
}

func TestReplayResponse_BinaryBody(t *testing.T) {
	body := []byte{0x00, 0xff, 0x10, 0x80}
	rec := &IdempotencyRecord{
		Key:      "bin",
		State:    StateCompleted,
		Response: NewStoredResponse(200, nil, body),
	}

	resp, err := ReplayResponse(rec, "bin")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if string(resp.Body) != string(body) {
		t.Errorf("binary body corrupted: %v", resp.Body)
	}
}

func TestReplayResponse_NoStoredResponse(t *testing.T) {
	rec := &IdempotencyRecord{Key: "k", State: StateCompleted}
	if _, err := ReplayResponse(rec, "k"); err == nil {
		t.Error("expected error replaying a record without a response")
	}
}
