package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	maxAssetSize     = 10 << 20 // 10 MB
	maxRedirects     = 5
	downloadDeadline = 30 * time.Second
)

// assetKind is one file type agents may stage.
type assetKind struct {
	ext   string
	mime  string
	sniff func([]byte) bool
}

var assetKinds = []assetKind{
	{ext: ".png", mime: "image/png", sniff: detectedAs("image/png")},
	{ext: ".jpg", mime: "image/jpeg", sniff: detectedAs("image/jpeg")},
	{ext: ".jpeg", mime: "image/jpeg", sniff: detectedAs("image/jpeg")},
	{ext: ".gif", mime: "image/gif", sniff: detectedAs("image/gif")},
	{ext: ".webp", mime: "image/webp", sniff: detectedAs("image/webp")},
	{ext: ".svg", mime: "image/svg+xml", sniff: looksLikeSVG},
	{ext: ".pdf", mime: "application/pdf", sniff: detectedAs("application/pdf")},
}

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func kindByExt(ext string) (assetKind, bool) {
	ext = strings.ToLower(ext)
	for _, k := range assetKinds {
		if k.ext == ext {
			return k, true
		}
	}
	return assetKind{}, false
}

// kindByMIME returns the first kind registered for mime, ignoring parameters.
func kindByMIME(mime string) (assetKind, bool) {
	mime, _, _ = strings.Cut(mime, ";")
	mime = strings.TrimSpace(strings.ToLower(mime))
	for _, k := range assetKinds {
		if k.mime == mime {
			return k, true
		}
	}
	return assetKind{}, false
}

func detectedAs(mime string) func([]byte) bool {
	return func(data []byte) bool {
		detected, _, _ := strings.Cut(http.DetectContentType(data), ";")
		return detected == mime
	}
}

func looksLikeSVG(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("<svg"))
}

type stageResult struct {
	Session string `json:"session"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
}

// fetched is the raw content behind a data URI or URL.
type fetched struct {
	data []byte
	mime string
	name string
}

func (s *Server) stageAsset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	src, err := fetchAsset(ctx, rawURL)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	name := assetName(req.GetString("filename", ""), src)
	kind, ok := kindByExt(path.Ext(name))
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unsupported file extension %q (allowed: png, jpg, jpeg, gif, webp, svg, pdf)", path.Ext(name))), nil
	}
	if !kind.sniff(src.data) {
		return mcp.NewToolResultError(fmt.Sprintf("content does not match extension %s (detected: %s)", kind.ext, http.DetectContentType(src.data))), nil
	}

	rel := name
	if dir := req.GetString("dir", ""); dir != "" {
		rel = path.Join(dir, name)
	}
	stored, err := s.svc.PutAsset(ctx, session, rel, src.data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to stage asset: %v", err)), nil
	}

	out, _ := json.Marshal(stageResult{Session: session, Path: stored, Size: len(src.data)})
	return mcp.NewToolResultText(string(out)), nil
}

func fetchAsset(ctx context.Context, rawURL string) (fetched, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURI(rawURL)
	}
	return download(ctx, rawURL)
}

// decodeDataURI parses data:<mediatype>;base64,<data>. Only known asset types are accepted.
func decodeDataURI(uri string) (fetched, error) {
	meta, encoded, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return fetched{}, errors.New("invalid data URI: missing comma separator")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return fetched{}, errors.New("only base64 data URIs are supported")
	}
	kind, ok := kindByMIME(mime)
	if !ok {
		return fetched{}, fmt.Errorf("unsupported MIME type in data URI: %s", mime)
	}

	if base64.StdEncoding.DecodedLen(len(encoded)) > maxAssetSize+3 {
		return fetched{}, fmt.Errorf("file too large: exceeds %d bytes", maxAssetSize)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(encoded); err != nil {
			return fetched{}, fmt.Errorf("invalid base64 data: %w", err)
		}
	}
	if len(data) > maxAssetSize {
		return fetched{}, fmt.Errorf("file too large: %d bytes (max %d)", len(data), maxAssetSize)
	}
	return fetched{data: data, mime: kind.mime}, nil
}

// download fetches an http(s) URL. Connections to private, loopback and
// link-local addresses are refused at dial time, so redirects and DNS answers
// cannot reach them either.
func download(ctx context.Context, rawURL string) (fetched, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fetched{}, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fetched{}, fmt.Errorf("unsupported scheme: %s (only http/https)", parsed.Scheme)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: refusePrivate}
	client := &http.Client{
		Timeout:   downloadDeadline,
		Transport: &http.Transport{DialContext: dialer.DialContext},
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (max %d)", maxRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return fetched{}, fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fetched{}, fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fetched{}, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return fetched{}, fmt.Errorf("read body failed: %w", err)
	}
	if len(data) > maxAssetSize {
		return fetched{}, fmt.Errorf("file too large: exceeds %d bytes", maxAssetSize)
	}

	name := path.Base(resp.Request.URL.Path)
	if name == "." || name == "/" {
		name = ""
	}
	return fetched{data: data, mime: resp.Header.Get("Content-Type"), name: name}, nil
}

func refusePrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("blocked host: unresolved address %s", host)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("blocked host: %s", ip)
	}
	return nil
}

// assetName picks the stored file name: the caller's choice, else the URL's
// base name, else a random one. A missing extension is taken from the MIME type.
func assetName(given string, src fetched) string {
	name := given
	if name == "" {
		name = src.name
	}
	name = sanitizeFilename(name)
	if name == "" {
		name = uuid.NewString()
	}
	if path.Ext(name) == "" {
		ext := ".bin"
		if k, ok := kindByMIME(src.mime); ok {
			ext = k.ext
		}
		name += ext
	}
	return name
}

// sanitizeFilename keeps the last path element and replaces unsafe characters.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return unsafeFilenameRe.ReplaceAllString(name, "_")
}
