package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	shell "github.com/ipfs/go-ipfs-api"

	"github.com/harrison/taskproof/internal/filelock"
)

// Uploader stores a compressed photo and returns a URL the scorer can fetch.
type Uploader interface {
	Upload(ctx context.Context, p Photo) (string, error)
}

// LocalUploader writes photos under Dir with random object names and serves
// them from PublicBaseURL.
type LocalUploader struct {
	Dir           string
	PublicBaseURL string
}

// NewLocalUploader returns an uploader writing to dir.
func NewLocalUploader(dir, publicBaseURL string) *LocalUploader {
	return &LocalUploader{Dir: dir, PublicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (u *LocalUploader) Upload(ctx context.Context, p Photo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := uuid.New().String() + p.Ext()
	if err := filelock.AtomicWrite(filepath.Join(u.Dir, name), p.Data); err != nil {
		return "", err
	}
	if u.PublicBaseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.Join(u.Dir, name)}).String(), nil
	}
	return u.PublicBaseURL + "/" + name, nil
}

// IPFSUploader adds photos to an IPFS node and returns a gateway URL for the CID.
type IPFSUploader struct {
	sh      *shell.Shell
	gateway string
}

// NewIPFSUploader connects to the node API at apiAddr (for example "localhost:5001").
func NewIPFSUploader(apiAddr, gateway string, timeout time.Duration) *IPFSUploader {
	sh := shell.NewShell(apiAddr)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	if gateway == "" {
		gateway = "https://ipfs.io"
	}
	return &IPFSUploader{sh: sh, gateway: strings.TrimRight(gateway, "/")}
}

func (u *IPFSUploader) Upload(ctx context.Context, p Photo) (string, error) {
	type result struct {
		cid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		cid, err := u.sh.Add(bytes.NewReader(p.Data), shell.Pin(true))
		done <- result{cid, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("ipfs add: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("ipfs add: %w", r.err)
		}
		if r.cid == "" {
			return "", errors.New("ipfs add returned an empty cid")
		}
		return u.gateway + "/ipfs/" + r.cid, nil
	}
}
