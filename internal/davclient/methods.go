package davclient

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/javi11/davmount/internal/cache"
	derrors "github.com/javi11/davmount/internal/errors"
)

// Head fetches the metadata of a single file. The returned record carries no
// permission bits, since HEAD cannot report them.
func (c *Client) Head(ctx context.Context, key string) (cache.Record, error) {
	resp, err := c.do(ctx, request{method: http.MethodHead, key: key})
	if err != nil {
		return cache.Record{}, err
	}
	defer drain(resp)

	if err := checkStatus(resp, http.MethodHead, key, http.StatusOK); err != nil {
		return cache.Record{}, err
	}

	return recordFromHeaders(resp.Header, contentLength(resp)), nil
}

// Get streams the content of key into w from offset 0 and returns the
// metadata the server sent along with it.
func (c *Client) Get(ctx context.Context, key string, w io.WriterAt) (cache.Record, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, key: key})
	if err != nil {
		return cache.Record{}, err
	}
	defer drain(resp)

	if err := checkStatus(resp, http.MethodGet, key, http.StatusOK); err != nil {
		return cache.Record{}, err
	}

	n, err := io.Copy(io.NewOffsetWriter(w, 0), resp.Body)
	if err != nil {
		return cache.Record{}, derrors.NewWebdavError(derrors.KindTransport, http.MethodGet, key, resp.StatusCode, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return cache.Record{}, derrors.NewWebdavError(derrors.KindTransport, http.MethodGet, key, resp.StatusCode,
			fmt.Errorf("short body: got %d of %d bytes: %w", n, resp.ContentLength, io.ErrUnexpectedEOF))
	}

	return recordFromHeaders(resp.Header, n), nil
}

// Put uploads size bytes read from r as the new content of key.
func (c *Client) Put(ctx context.Context, key string, r io.ReaderAt, size int64) error {
	resp, err := c.do(ctx, request{
		method: http.MethodPut,
		key:    key,
		header: c.locks.header(key),
		body:   r,
		size:   size,
	})
	if err != nil {
		return err
	}
	defer drain(resp)

	return checkStatus(resp, http.MethodPut, key, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

// Mkcol creates the collection key.
func (c *Client) Mkcol(ctx context.Context, key string) error {
	resp, err := c.do(ctx, request{method: "MKCOL", key: key, collection: true})
	if err != nil {
		return err
	}
	defer drain(resp)

	return checkStatus(resp, "MKCOL", key, http.StatusCreated, http.StatusOK)
}

// Delete removes key, recursively for collections. Locks held on key or
// below it are gone afterwards.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, request{method: http.MethodDelete, key: key, header: c.locks.header(key)})
	if err != nil {
		return err
	}
	defer drain(resp)

	if err := checkStatus(resp, http.MethodDelete, key, http.StatusOK, http.StatusNoContent, http.StatusAccepted); err != nil {
		return err
	}
	c.locks.forgetTree(key)
	return nil
}

// Move renames src to dst.
func (c *Client) Move(ctx context.Context, src, dst string, overwrite bool) error {
	header := c.locks.header(src)
	if header == nil {
		header = http.Header{}
	}
	header.Set("Destination", c.URL(dst, false).String())
	if overwrite {
		header.Set("Overwrite", "T")
	} else {
		header.Set("Overwrite", "F")
	}

	resp, err := c.do(ctx, request{method: "MOVE", key: src, header: header})
	if err != nil {
		return err
	}
	defer drain(resp)

	if err := checkStatus(resp, "MOVE", src, http.StatusCreated, http.StatusNoContent, http.StatusOK); err != nil {
		return err
	}
	c.locks.forgetTree(src)
	return nil
}

// Proppatch stores the unix permission bits of key as dead properties.
func (c *Client) Proppatch(ctx context.Context, key string, executable bool, perm uint32) error {
	exec := "F"
	if executable {
		exec = "T"
	}
	body := strings.NewReader(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<D:propertyupdate xmlns:D="DAV:"><D:set><D:prop>`+
		`<executable xmlns="%s">%s</executable><permissions xmlns="%s">%d</permissions>`+
		`</D:prop></D:set></D:propertyupdate>`, nsApache, exec, nsXDAV, perm&cache.ModePermMask))

	header := c.locks.header(key)
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.do(ctx, request{
		method: "PROPPATCH",
		key:    key,
		header: header,
		body:   body,
		size:   body.Size(),
	})
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := checkStatus(resp, "PROPPATCH", key, http.StatusMultiStatus); err != nil {
		return err
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return derrors.NewWebdavError(derrors.KindTransport, "PROPPATCH", key, resp.StatusCode, err)
	}
	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			if code := statusCode(ps.Status); code < 200 || code >= 300 {
				return statusError("PROPPATCH", key, code)
			}
		}
	}
	return nil
}

// recordFromHeaders builds a file record from response headers. mtime comes
// from Last-Modified, or from Date when the server omits it.
func recordFromHeaders(h http.Header, size int64) cache.Record {
	modified := h.Get("Last-Modified")
	if modified == "" {
		modified = h.Get("Date")
	}
	return cache.Record{
		Mode:  cache.ModeRegular,
		Size:  size,
		Mtime: parseHTTPTime(modified),
		ETag:  normalizeETag(h.Get("ETag")),
	}
}

func contentLength(resp *http.Response) int64 {
	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		return n
	}
	return 0
}

// lockTimeout renders a Timeout header value. Non-positive means infinite.
func lockTimeout(d time.Duration) string {
	if d <= 0 {
		return "Infinite"
	}
	return "Second-" + strconv.FormatInt(int64(d/time.Second), 10)
}
