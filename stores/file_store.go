package stores

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
	"linkvault.io/vault/common/logging"
	cst "linkvault.io/vault/constants"
	pe "linkvault.io/vault/errors"
)

const fallbackBlobName = "file"

// SanitizeName turns a user supplied file name into one safe to use in a blob address. The extension is kept
// apart from the stem so "Q3 Report.PDF" becomes "q3-report.pdf".
func SanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := path.Ext(base)
	stem := slug.Make(strings.TrimSuffix(base, ext))
	if stem == "" {
		stem = fallbackBlobName
	}
	if ext = slug.Make(strings.TrimPrefix(ext, ".")); ext != "" {
		return stem + "." + ext
	}
	return stem
}

// BlobAddress forms the address of a blob named name under scope. Both parts are sanitized.
func BlobAddress(scope, name string) string {
	parts := strings.Split(scope, "/")
	for i, p := range parts {
		if parts[i] = slug.Make(p); parts[i] == "" {
			parts[i] = "_"
		}
	}
	return path.Join(append(parts, SanitizeName(name))...)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// LocalFileStore implements BlobStore backed by local file system
type LocalFileStore struct {
	Root            string
	DownloadBaseURL string
}

func NewLocalFileStore(root, downloadBaseURL string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalFileStore{Root: root, DownloadBaseURL: downloadBaseURL}, nil
}

// path resolves address below Root, refusing anything which escapes it
func (fs *LocalFileStore) path(address string) (string, *pe.Err) {
	clean := filepath.Clean(filepath.FromSlash(address))
	if address == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", pe.NewBadInput(fmt.Sprintf("invalid blob address %q", address))
	}
	return filepath.Join(fs.Root, clean), nil
}

func (fs *LocalFileStore) Put(ctx context.Context, scope, name string, r io.Reader) (string, int64, *pe.Err) {
	const errMsg = "error allocating file storage space"
	address := BlobAddress(scope, name)
	clog := logging.WithFuncName().WithField(cst.LogFieldBlobAddress, address)
	if err := ctx.Err(); err != nil {
		return "", 0, storageErr(errMsg, err)
	}
	// 1. prepare file to host data
	p, e := fs.path(address)
	if e != nil {
		return "", 0, e
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		clog.WithError(err).Error(errMsg)
		return "", 0, storageErr(errMsg, err)
	}
	f, err := os.Create(p)
	if err != nil {
		clog.WithError(err).Error(errMsg)
		return "", 0, storageErr(errMsg, err)
	}
	defer f.Close()
	// 2. pipe data to file
	cr := &countingReader{r: r}
	if _, err := bufio.NewReader(cr).WriteTo(f); err != nil {
		// drop the partial file so no blob outlives a failed upload
		os.Remove(p)
		var perr *pe.Err
		if errors.As(err, &perr) {
			return "", 0, perr
		}
		clog.WithError(err).Error("error saving file data")
		return "", 0, pe.NewServiceFailure("error saving file data").WithCause(err)
	}
	return address, cr.n, nil
}

func (fs *LocalFileStore) Get(ctx context.Context, address string) (io.ReadCloser, *pe.Err) {
	p, e := fs.path(address)
	if e != nil {
		return nil, e
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pe.NewNotFound("file not found").WithCause(err)
		}
		return nil, storageErr("error retrieving file", err)
	}
	return f, nil
}

func (fs *LocalFileStore) Delete(ctx context.Context, address string) *pe.Err {
	p, e := fs.path(address)
	if e != nil {
		return e
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return storageErr("error removing file", err)
	}
	// the scope directory only ever holds this blob; failing to remove it is harmless
	os.Remove(filepath.Dir(p))
	return nil
}

func (fs *LocalFileStore) PublicURL(id, name string) string {
	return PublicURL(fs.DownloadBaseURL, id, name)
}

func (fs *LocalFileStore) Close() *pe.Err {
	return nil
}
