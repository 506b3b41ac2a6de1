package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskboard/domain"
)

func TestDecodeTaskEntity(t *testing.T) {
	data := []byte(`{"odata.etag":"W/\"1\"","PartitionKey":"u1","RowKey":"t1","Title":"Milk","Description":"2L",` +
		`"Completed":true,"ImageURL":"https://x/y.png","ImagePath":"users/u1/files/1_y.png",` +
		`"CreatedAt":"1714557600000","CreatedAt@odata.type":"Edm.Int64","UpdatedAt":"1714557660000","UpdatedAt@odata.type":"Edm.Int64"}`)
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	task := ent.task()
	if task.ID != "t1" || task.OwnerID != "u1" || task.Title != "Milk" || !task.Completed {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.ImagePath != "users/u1/files/1_y.png" || ent.ETag != `W/"1"` {
		t.Fatalf("unexpected attachment or etag: %+v", ent)
	}
	if want := time.UnixMilli(1714557600000).UTC(); !task.CreatedAt.Equal(want) {
		t.Fatalf("createdAt: got %v want %v", task.CreatedAt, want)
	}
	if task.UpdatedAt.Sub(task.CreatedAt) != time.Minute {
		t.Fatalf("updatedAt: got %v", task.UpdatedAt)
	}
}

func TestMergeFieldsOnlySetsPatchedColumns(t *testing.T) {
	ent := &taskEntity{Entity: aztables.Entity{PartitionKey: "u1", RowKey: "t1"}}
	now := time.UnixMilli(1000)
	upd := mergeFields(ent, domain.Patch{Title: domain.String("x"), Completed: domain.Bool(false)}, now)

	if upd["Title"] != "x" || upd["Completed"] != false {
		t.Fatalf("patched columns missing: %#v", upd)
	}
	if _, ok := upd["Description"]; ok {
		t.Fatalf("unpatched column written: %#v", upd)
	}
	if upd["UpdatedAt"] != "1000" || upd["UpdatedAt@odata.type"] != edmInt64 {
		t.Fatalf("updatedAt not stamped: %#v", upd)
	}
	if upd["PartitionKey"] != "u1" || upd["RowKey"] != "t1" {
		t.Fatalf("keys missing: %#v", upd)
	}
}

func TestStatusOf(t *testing.T) {
	if statusOf(nil) != 0 {
		t.Fatalf("nil error must map to 0")
	}
	if statusOf(errors.New("boom")) != -1 {
		t.Fatalf("plain error must map to -1")
	}
	err := &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	if statusOf(err) != http.StatusPreconditionFailed {
		t.Fatalf("unexpected status")
	}
}

func TestQuoteEscapesSingleQuotes(t *testing.T) {
	if got := quote("o'brien"); got != "o''brien" {
		t.Fatalf("unexpected quote: %s", got)
	}
}

func TestBlockIDsHaveUniformLength(t *testing.T) {
	first := blockID(0)
	last := blockID(99999)
	if len(first) != len(last) {
		t.Fatalf("block ids differ in length: %q %q", first, last)
	}
	if _, err := base64.StdEncoding.DecodeString(first); err != nil {
		t.Fatalf("block id not base64: %v", err)
	}
}

func TestMemoryBlobsCommitAssemblesBlocks(t *testing.T) {
	b := NewMemoryBlobs("http://localhost:8080/blobs/")
	ctx := t.Context()
	_ = b.StageBlock(ctx, "users/u1/files/1_a.png", 1, []byte("world"))
	_ = b.StageBlock(ctx, "users/u1/files/1_a.png", 0, []byte("hello "))
	url, err := b.Commit(ctx, "users/u1/files/1_a.png", "image/png", 2)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if url != "http://localhost:8080/blobs/users/u1/files/1_a.png" {
		t.Fatalf("unexpected url: %s", url)
	}
	obj, ok := b.Open("users/u1/files/1_a.png")
	if !ok || string(obj.Data) != "hello world" || obj.ContentType != "image/png" {
		t.Fatalf("unexpected object: %+v", obj)
	}
	if err := b.Delete(ctx, "users/u1/files/1_a.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("object not deleted")
	}
}

const devStorage = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"

func TestBlobURLIsSignedForRead(t *testing.T) {
	blobs, err := NewBlobs(devStorage, "attachments")
	if err != nil {
		t.Fatalf("new blobs: %v", err)
	}
	issued := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	blobs.now = func() time.Time { return issued }

	raw := blobs.URL("users/u1/files/1714557600000_cat.png")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if !strings.HasSuffix(u.Path, "/devstoreaccount1/attachments/users/u1/files/1714557600000_cat.png") {
		t.Fatalf("unexpected path %q", u.Path)
	}
	q := u.Query()
	if q.Get("sig") == "" {
		t.Fatalf("expected a signature in %q", raw)
	}
	if got := q.Get("sp"); got != "r" {
		t.Fatalf("expected read-only permission, got %q", got)
	}
	if got := q.Get("sr"); got != "b" {
		t.Fatalf("expected a blob-scoped token, got %q", got)
	}
	expiry, err := time.Parse(time.RFC3339, q.Get("se"))
	if err != nil {
		t.Fatalf("parse expiry %q: %v", q.Get("se"), err)
	}
	if !expiry.Equal(issued.Add(URLValidity)) {
		t.Fatalf("expected expiry %v, got %v", issued.Add(URLValidity), expiry)
	}
}
