package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	log "github.com/sirupsen/logrus"
)

// URLValidity is how long a download URL handed out for an attachment stays
// readable. The URL is persisted on the task, so it is long-lived.
const URLValidity = 10 * 365 * 24 * time.Hour

// Blobs stores uploaded attachments as block blobs in one container.
type Blobs struct {
	container *container.Client
	now       func() time.Time
}

// NewBlobs creates a Blobs store for the named container.
func NewBlobs(connStr, containerName string) (*Blobs, error) {
	opts := &container.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
			},
		},
	}
	c, err := container.NewClientFromConnectionString(connStr, containerName, opts)
	if err != nil {
		return nil, err
	}
	return &Blobs{container: c, now: time.Now}, nil
}

// StageBlock uploads one uncommitted block of the blob at path.
func (b *Blobs) StageBlock(ctx context.Context, path string, index int, data []byte) error {
	body := streaming.NopCloser(bytes.NewReader(data))
	_, err := b.blob(path).StageBlock(ctx, blockID(index), body, nil)
	return err
}

// Commit assembles the first n staged blocks into the blob and returns a
// read-only download URL for it.
func (b *Blobs) Commit(ctx context.Context, path, contentType string, n int) (string, error) {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = blockID(i)
	}
	bb := b.blob(path)
	_, err := bb.CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", err
	}
	return b.URL(path), nil
}

// Delete removes the blob at path. A missing blob is not an error.
func (b *Blobs) Delete(ctx context.Context, path string) error {
	_, err := b.blob(path).Delete(ctx, nil)
	if err != nil && bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}
	return err
}

// URL returns a read-only SAS URL for path. Without an account key to sign
// with it falls back to the bare blob URL, which is only readable when the
// container allows anonymous blob access.
func (b *Blobs) URL(path string) string {
	bb := b.blob(path)
	u, err := bb.GetSASURL(sas.BlobPermissions{Read: true}, b.now().UTC().Add(URLValidity), nil)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("unable to sign download url")
		return bb.URL()
	}
	return u
}

func (b *Blobs) blob(path string) *blockblob.Client {
	return b.container.NewBlockBlobClient(path)
}

// blockID returns a fixed-width base64 block ID; the service requires every
// ID in a blob to have the same length.
func blockID(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%08d", index)))
}
