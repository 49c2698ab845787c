package serializer

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestSnapshotResponseBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	snap, err := SnapshotResponse(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
	if string(snap.Body) != "This is the body" {
		t.Fatalf("Snapshot body: %s", snap.Body)
	}
}

func TestSnapshotSerialization(t *testing.T) {
	storedAt := time.Unix(1700000000, 0)
	snap := Snapshot{
		URL:        "http://origin/api/lawyers",
		StatusCode: 201,
		Header:     http.Header{"Test": []string{"-ing"}},
		Body:       []byte(`[{"name":"A"}]`),
		StoredAt:   storedAt,
	}
	bts, err := SnapshotToBytes(snap)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	snap2, err := BytesToSnapshot(bts)
	if err != nil {
		t.Fatalf("Error creating snapshot: %+v", err)
	}
	if snap2.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", snap2.Header)
	}
	if snap2.Header.Get(storedAtHeaderName) != "" || snap2.Header.Get(urlHeaderName) != "" {
		t.Fatalf("Metadata headers leaked %+v", snap2.Header)
	}
	if snap2.StatusCode != 201 || string(snap2.Body) != `[{"name":"A"}]` {
		t.Fatalf("Snapshot is %+v", snap2)
	}
	if !snap2.StoredAt.Equal(storedAt) || snap2.URL != snap.URL {
		t.Fatalf("Metadata wrong %v %s", snap2.StoredAt, snap2.URL)
	}
}

func TestSnapshotResponseIsFresh(t *testing.T) {
	snap := Snapshot{StatusCode: 200, Header: http.Header{}, Body: []byte("body")}
	for i := 0; i < 2; i++ {
		res := snap.Response(nil)
		body, _ := io.ReadAll(res.Body)
		if string(body) != "body" {
			t.Fatalf("Read %d returned %s", i, body)
		}
		res.Header.Set("Mutated", "yes")
	}
	if snap.Header.Get("Mutated") != "" {
		t.Fatal("Response header shares snapshot header")
	}
}

func TestOk(t *testing.T) {
	for code, ok := range map[int]bool{200: true, 204: true, 299: true, 301: false, 404: false, 503: false} {
		if (Snapshot{StatusCode: code}).Ok() != ok {
			t.Fatalf("Ok() wrong for %d", code)
		}
	}
}
