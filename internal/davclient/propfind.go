package davclient

import (
	"context"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/javi11/davmount/internal/cache"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/javi11/davmount/internal/pathutil"
)

// Namespaces of the non-DAV properties carrying the unix mode.
const (
	nsApache = "http://apache.org/dav/props/"
	nsXDAV   = "X-DAV:"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:" xmlns:A="` + nsApache + `" xmlns:X="` + nsXDAV + `">
<D:prop><D:getetag/><D:getcontentlength/><D:creationdate/><D:getlastmodified/><D:resourcetype/><A:executable/><X:permissions/></D:prop>
</D:propfind>`

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_multistatus
type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_response
type response struct {
	Href      []string   `xml:"DAV: href"`
	Status    string     `xml:"DAV: status"`
	Propstats []propstat `xml:"DAV: propstat"`
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propstat
type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	Props []property `xml:",any"`
}

type property struct {
	XMLName  xml.Name
	Value    string    `xml:",chardata"`
	Children []element `xml:",any"`
}

type element struct {
	XMLName xml.Name
}

// Propfind fetches the properties of key, and of its immediate children
// when depth is 1. The result is keyed by canonical path.
func (c *Client) Propfind(ctx context.Context, key string, depth int) (map[string]cache.Record, error) {
	d := "0"
	if depth > 0 {
		d = "1"
	}
	body := strings.NewReader(propfindBody)

	resp, err := c.do(ctx, request{
		method:     "PROPFIND",
		key:        key,
		collection: depth > 0,
		header: http.Header{
			"Depth":        {d},
			"Content-Type": {"application/xml; charset=utf-8"},
		},
		body: body,
		size: body.Size(),
	})
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if err := checkStatus(resp, "PROPFIND", key, http.StatusMultiStatus); err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, derrors.NewWebdavError(derrors.KindTransport, "PROPFIND", key, resp.StatusCode, err)
	}

	records := make(map[string]cache.Record, len(ms.Responses))
	for _, r := range ms.Responses {
		if len(r.Href) == 0 {
			continue
		}
		if r.Status != "" && statusCode(r.Status) != http.StatusOK {
			continue
		}

		rkey, err := pathutil.Normalize(r.Href[0], 0)
		if err != nil {
			return nil, err
		}

		rec, ok := r.record()
		if !ok {
			continue
		}
		records[rkey] = rec
	}

	return records, nil
}

// record builds a cache record from the successful propstats of r.
func (r *response) record() (cache.Record, bool) {
	var (
		found      bool
		isDir      bool
		size       int64
		mtime      time.Time
		ctime      time.Time
		etag       string
		executable bool
		perm       uint32
		havePerm   bool
	)

	for _, ps := range r.Propstats {
		if statusCode(ps.Status) != http.StatusOK {
			continue
		}
		found = true

		for _, p := range ps.Prop.Props {
			value := strings.TrimSpace(p.Value)
			switch p.XMLName.Local {
			case "resourcetype":
				for _, child := range p.Children {
					if child.XMLName.Local == "collection" {
						isDir = true
					}
				}
			case "getcontentlength":
				if n, err := strconv.ParseInt(value, 10, 64); err == nil {
					size = n
				}
			case "getlastmodified":
				mtime = parseHTTPTime(value)
			case "creationdate":
				ctime = parseCreationDate(value)
			case "getetag":
				etag = normalizeETag(value)
			case "executable":
				executable = value == "T"
			case "permissions":
				if n, err := strconv.ParseUint(value, 10, 32); err == nil {
					perm = uint32(n) & cache.ModePermMask
					havePerm = true
				}
			}
		}
	}
	if !found {
		return cache.Record{}, false
	}

	var rec cache.Record
	if isDir {
		rec = cache.NewDirRecord(mtime)
		rec.ETag = etag
	} else {
		rec = cache.NewFileRecord(size, mtime, etag)
	}
	if !ctime.IsZero() {
		rec.Ctime = ctime.UTC()
	}

	switch {
	case havePerm:
		rec = rec.WithPerm(perm)
	case executable:
		rec = rec.WithPerm(rec.Perm() | 0o111)
	}

	return rec, true
}

// statusCode extracts the code from a status line such as "HTTP/1.1 200 OK".
func statusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// normalizeETag returns the strong entity tag in s, or "" for weak and
// empty tags, which cannot prove two representations identical.
func normalizeETag(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "W/") {
		return ""
	}
	return s
}

func parseHTTPTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseCreationDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return parseHTTPTime(s)
}
