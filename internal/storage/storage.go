// Package storage is a local-disk object store that hands out signed,
// time-limited download links.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidKey   = errors.New("invalid storage key")
	ErrNotFound     = errors.New("object not found")
	ErrBadSignature = errors.New("invalid or expired download signature")
)

// Local stores objects as files below a root directory. baseURL is the
// public prefix the Handler is mounted at.
type Local struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

func NewLocal(root, baseURL, secret string) *Local {
	return &Local{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}
}

// DownloadURL returns a link to key valid for ttl.
func (l *Local) DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(l.path(clean)); err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(ErrNotFound, "key %q", clean)
		}
		return "", errors.Wrapf(err, "stat %q", clean)
	}

	expires := l.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", l.sign(clean, expires))
	return l.baseURL + "/" + clean + "?" + q.Encode(), nil
}

// Put writes data under key. The file appears atomically.
func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	dst := l.path(clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %q", clean)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %q", clean)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %q", clean)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %q", clean)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return errors.Wrapf(err, "rename into %q", clean)
	}
	return nil
}

// Open returns a reader for key.
func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(l.path(clean))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "key %q", clean)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", clean)
	}
	return f, nil
}

// Verify checks a signature produced by DownloadURL.
func (l *Local) Verify(key, expires, sig string) error {
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if l.now().Unix() > exp {
		return ErrBadSignature
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	expected, _ := hex.DecodeString(l.sign(clean, exp))
	if !hmac.Equal(provided, expected) {
		return ErrBadSignature
	}
	return nil
}

// Handler serves signed downloads. Mount it with the base URL's path
// stripped so the request path is the object key.
func (l *Local) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		q := r.URL.Query()
		if err := l.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		f, err := l.Open(r.Context(), key)
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, "failed to read object", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.Copy(w, f)
	})
}

func (l *Local) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	_, _ = fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Local) path(cleanKey string) string {
	return filepath.Join(l.root, filepath.FromSlash(cleanKey))
}

// cleanKey normalizes key and rejects anything that could escape the root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", errors.Wrapf(ErrInvalidKey, "%q", key)
		}
	}
	clean := path.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "../") {
		return "", errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	return clean, nil
}
