// Package fileops implements the safe file-operations surface the
// agent integration uses to read and write files inside a repository
// root: path jailing, revision-token optimistic concurrency, atomic
// writes, and a byte-capped content cache invalidated both by
// revision checks and by a filesystem watcher.
package fileops

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel guard errors. The IPC handlers map each to its JSON-RPC
// error code.
var (
	ErrPathTraversal     = errors.New("fileops: path traversal rejected")
	ErrInvalidRelative   = errors.New("fileops: invalid relative path")
	ErrNotAFile          = errors.New("fileops: not a regular file")
	ErrInvalidUTF8       = errors.New("fileops: file is not valid UTF-8")
	ErrLineOutOfRange    = errors.New("fileops: line range out of bounds")
)

// RevisionConflict is returned by Write/ReplaceRange when the caller's
// expected revision no longer matches the file on disk.
type RevisionConflict struct {
	Current FileRevision
}

func (e *RevisionConflict) Error() string {
	return fmt.Sprintf("fileops: revision conflict, current token=%s", e.Current.Token)
}

// FileRevision is the opaque triple used to detect concurrent
// modification: equality requires all three fields to match.
type FileRevision struct {
	Token       string `json:"token"`
	LenBytes    int64  `json:"len_bytes"`
	ModifiedUnixNs int64 `json:"modified_unix_ns"`
}

// Equal reports whether two revisions refer to the same on-disk state.
func (r FileRevision) Equal(o FileRevision) bool {
	return r.Token == o.Token && r.LenBytes == o.LenBytes && r.ModifiedUnixNs == o.ModifiedUnixNs
}

func revisionFromStat(path string, info os.FileInfo) FileRevision {
	token := fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
	return FileRevision{
		Token:          token,
		LenBytes:       info.Size(),
		ModifiedUnixNs: info.ModTime().UnixNano(),
	}
}

// ReadResult is the whole-file read response.
type ReadResult struct {
	Content         string       `json:"content"`
	IsTruncated     bool         `json:"is_truncated"`
	Revision        FileRevision `json:"revision"`
	TotalLines      int          `json:"total_lines"`
	ReadOnlyReason  string       `json:"read_only_reason,omitempty"`
}

// SliceResult is the line-bounded window read response.
type SliceResult struct {
	Lines         []string     `json:"lines"`
	StartLine     int          `json:"start_line"`
	EndLine       int          `json:"end_line"`
	HasMoreBefore bool         `json:"has_more_before"`
	HasMoreAfter  bool         `json:"has_more_after"`
	Revision      FileRevision `json:"revision"`
	TotalLines    int          `json:"total_lines"`
}

// WriteResult is returned by Write/ReplaceRange on success.
type WriteResult struct {
	Revision FileRevision `json:"revision"`
}

// Config tunes the safe-file-ops surface.
type Config struct {
	MaxReadBytes     int64 // whole-file read window, default 2 MiB
	EditableMaxBytes int64 // files larger than this are read_only, default 4 MiB
	CacheByteCap     int64 // content cache byte cap, default 128 MiB
}

func (c Config) withDefaults() Config {
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = 2 << 20
	}
	if c.EditableMaxBytes <= 0 {
		c.EditableMaxBytes = 4 << 20
	}
	if c.CacheByteCap <= 0 {
		c.CacheByteCap = 128 << 20
	}
	return c
}

// Ops is the safe file-operations surface, jailed to one repository root.
type Ops struct {
	root  string
	cfg   Config
	cache *contentCache
	watch *watcher
}

// New builds an Ops jailed to root, which must already be an absolute,
// canonical directory path.
func New(root string, cfg Config) (*Ops, error) {
	canon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("fileops: resolve root: %w", err)
	}
	cfg = cfg.withDefaults()
	o := &Ops{
		root:  canon,
		cfg:   cfg,
		cache: newContentCache(cfg.CacheByteCap),
	}
	// Without a watcher the cache still invalidates on every access's
	// revision check, so a watch failure costs freshness latency, not
	// correctness.
	if w, err := newWatcher(o.cache); err == nil {
		o.watch = w
	}
	return o, nil
}

// Root returns the canonical repository root this Ops is jailed to.
func (o *Ops) Root() string {
	return o.root
}

// Close releases the filesystem watcher, if one was established.
func (o *Ops) Close() error {
	if o.watch == nil {
		return nil
	}
	return o.watch.Close()
}

func (o *Ops) cachePut(abs string, doc *document, rev FileRevision, size int64) {
	o.cache.Put(abs, doc, rev, size)
	if o.watch != nil {
		o.watch.add(abs)
	}
}

// resolve jails relativePath under the root: absolute paths and any
// ".." component are rejected before any I/O is attempted, and the
// canonicalized result must still start with the canonical root
// (catching symlink escapes for paths that already exist).
func (o *Ops) resolve(relativePath string) (string, error) {
	if relativePath == "" {
		return "", ErrInvalidRelative
	}
	if filepath.IsAbs(relativePath) {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Clean(relativePath)
	for _, part := range strings.Split(relativePath, string(filepath.Separator)) {
		if part == ".." {
			return "", ErrPathTraversal
		}
	}
	joined := filepath.Join(o.root, cleaned)

	if resolved, err := filepath.EvalSymlinks(joined); err == nil {
		if !withinRoot(resolved, o.root) {
			return "", ErrPathTraversal
		}
		return resolved, nil
	}

	// New file: the parent must exist and resolve within the root.
	parent, err := filepath.EvalSymlinks(filepath.Dir(joined))
	if err != nil {
		return "", fmt.Errorf("fileops: resolve parent: %w", err)
	}
	if !withinRoot(parent, o.root) {
		return "", ErrPathTraversal
	}
	return filepath.Join(parent, filepath.Base(joined)), nil
}

func withinRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

// Read returns the whole file (bounded by MaxReadBytes, UTF-8-safe
// truncated) along with its current revision.
func (o *Ops) Read(relativePath string) (ReadResult, error) {
	abs, err := o.resolve(relativePath)
	if err != nil {
		return ReadResult{}, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return ReadResult{}, fmt.Errorf("fileops: stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		return ReadResult{}, ErrNotAFile
	}
	rev := revisionFromStat(abs, info)

	data, err := os.ReadFile(abs)
	if err != nil {
		return ReadResult{}, fmt.Errorf("fileops: read: %w", err)
	}
	if !utf8.Valid(data) {
		return ReadResult{}, ErrInvalidUTF8
	}

	truncated := false
	if int64(len(data)) > o.cfg.MaxReadBytes {
		data = truncateUTF8(data, o.cfg.MaxReadBytes)
		truncated = true
	}

	doc := newDocument(data)
	o.cachePut(abs, doc, rev, int64(len(data)))

	result := ReadResult{
		Content:     string(data),
		IsTruncated: truncated,
		Revision:    rev,
		TotalLines:  doc.lineCount(),
	}
	if info.Size() > o.cfg.EditableMaxBytes {
		result.ReadOnlyReason = fmt.Sprintf("file exceeds editable size limit of %d bytes", o.cfg.EditableMaxBytes)
	}
	return result, nil
}

// ReadSlice returns a line-bounded window [startLine, endLine) (0-indexed,
// end exclusive).
func (o *Ops) ReadSlice(relativePath string, startLine, endLine int) (SliceResult, error) {
	abs, err := o.resolve(relativePath)
	if err != nil {
		return SliceResult{}, err
	}

	doc, rev, err := o.loadDocument(abs)
	if err != nil {
		return SliceResult{}, err
	}

	total := doc.lineCount()
	if startLine < 0 || startLine > total || endLine < startLine {
		return SliceResult{}, ErrLineOutOfRange
	}
	if endLine > total {
		endLine = total
	}

	return SliceResult{
		Lines:         doc.slice(startLine, endLine),
		StartLine:     startLine,
		EndLine:       endLine,
		HasMoreBefore: startLine > 0,
		HasMoreAfter:  endLine < total,
		Revision:      rev,
		TotalLines:    total,
	}, nil
}

// Write atomically replaces relativePath's content. If force is false,
// expectedRevision must match the file's current on-disk revision or
// the write fails with *RevisionConflict.
func (o *Ops) Write(relativePath, content string, expectedRevision FileRevision, force bool) (WriteResult, error) {
	abs, err := o.resolve(relativePath)
	if err != nil {
		return WriteResult{}, err
	}
	if !force {
		if err := o.checkRevision(abs, expectedRevision); err != nil {
			return WriteResult{}, err
		}
	}
	if !utf8.ValidString(content) {
		return WriteResult{}, ErrInvalidUTF8
	}

	newRev, err := o.atomicWrite(abs, []byte(content))
	if err != nil {
		return WriteResult{}, err
	}
	o.cachePut(abs, newDocument([]byte(content)), newRev, int64(len(content)))
	return WriteResult{Revision: newRev}, nil
}

// ReplaceRange splices lines [startLine, endLine) with replacement and
// atomically writes the result, subject to the same revision check as
// Write.
func (o *Ops) ReplaceRange(relativePath string, startLine, endLine int, replacement []string, expectedRevision FileRevision, force bool) (WriteResult, error) {
	abs, err := o.resolve(relativePath)
	if err != nil {
		return WriteResult{}, err
	}
	if !force {
		if err := o.checkRevision(abs, expectedRevision); err != nil {
			return WriteResult{}, err
		}
	}

	doc, _, err := o.loadDocument(abs)
	if err != nil {
		return WriteResult{}, err
	}
	total := doc.lineCount()
	if startLine < 0 || endLine < startLine || endLine > total {
		return WriteResult{}, ErrLineOutOfRange
	}

	spliced := doc.splice(startLine, endLine, replacement)
	content := spliced.join()

	newRev, err := o.atomicWrite(abs, []byte(content))
	if err != nil {
		return WriteResult{}, err
	}
	o.cachePut(abs, spliced, newRev, int64(len(content)))
	return WriteResult{Revision: newRev}, nil
}

func (o *Ops) checkRevision(abs string, expected FileRevision) error {
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// A brand-new file has no prior revision; any expectation
			// other than the zero value is necessarily stale.
			if expected != (FileRevision{}) {
				return &RevisionConflict{Current: FileRevision{}}
			}
			return nil
		}
		return fmt.Errorf("fileops: stat: %w", err)
	}
	current := revisionFromStat(abs, info)
	if !current.Equal(expected) {
		return &RevisionConflict{Current: current}
	}
	return nil
}

// loadDocument returns a document for abs, preferring the cache but
// evicting and re-reading on any revision mismatch.
func (o *Ops) loadDocument(abs string) (*document, FileRevision, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, FileRevision{}, fmt.Errorf("fileops: stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, FileRevision{}, ErrNotAFile
	}
	rev := revisionFromStat(abs, info)

	if doc, cachedRev, ok := o.cache.Get(abs); ok && cachedRev.Equal(rev) {
		return doc, rev, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, FileRevision{}, fmt.Errorf("fileops: read: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, FileRevision{}, ErrInvalidUTF8
	}
	doc := newDocument(data)
	o.cachePut(abs, doc, rev, int64(len(data)))
	return doc, rev, nil
}

// atomicWrite writes content to abs via a sibling tmp file, fsyncs it,
// preserves existing mode bits on unix, renames over the target, and
// fsyncs the parent directory so the rename itself is durable.
func (o *Ops) atomicWrite(abs string, content []byte) (FileRevision, error) {
	dir := filepath.Dir(abs)
	mode := os.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		mode = info.Mode()
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d", filepath.Base(abs), time.Now().UnixNano()))
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return FileRevision{}, fmt.Errorf("fileops: create tmp: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return FileRevision{}, fmt.Errorf("fileops: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return FileRevision{}, fmt.Errorf("fileops: fsync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return FileRevision{}, fmt.Errorf("fileops: close tmp: %w", err)
	}

	if err := os.Rename(tmpPath, abs); err != nil {
		os.Remove(tmpPath)
		return FileRevision{}, fmt.Errorf("fileops: rename: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}

	info, err := os.Stat(abs)
	if err != nil {
		return FileRevision{}, fmt.Errorf("fileops: stat after write: %w", err)
	}
	return revisionFromStat(abs, info), nil
}

// truncateUTF8 returns the prefix of data no longer than max bytes,
// backing off to the previous rune boundary if the cut would split a
// multi-byte character.
func truncateUTF8(data []byte, max int64) []byte {
	if int64(len(data)) <= max {
		return data
	}
	cut := int(max)
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return bytes.Clone(data[:cut])
}

// FileEntry is one immediate child returned by ListFiles.
type FileEntry struct {
	Path      string `json:"path"`
	IsDir     bool   `json:"is_dir"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ListFiles lists the immediate children of relativeDir ("" or "."
// means the repository root), skipping the .git directory.
func (o *Ops) ListFiles(relativeDir string) ([]FileEntry, error) {
	abs := o.root
	if relativeDir != "" && relativeDir != "." {
		resolved, err := o.resolveDir(relativeDir)
		if err != nil {
			return nil, err
		}
		abs = resolved
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("fileops: list dir: %w", err)
	}

	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		var size int64
		if !e.IsDir() {
			size = info.Size()
		}
		out = append(out, FileEntry{Path: e.Name(), IsDir: e.IsDir(), SizeBytes: size})
	}
	return out, nil
}

// resolveDir is resolve's counterpart for a directory that must
// already exist (ListFiles never creates directories).
func (o *Ops) resolveDir(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Clean(relativePath)
	for _, part := range strings.Split(relativePath, string(filepath.Separator)) {
		if part == ".." {
			return "", ErrPathTraversal
		}
	}
	joined := filepath.Join(o.root, cleaned)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", fmt.Errorf("fileops: resolve dir: %w", err)
	}
	if !withinRoot(resolved, o.root) {
		return "", ErrPathTraversal
	}
	return resolved, nil
}

// ParseRevisionToken is a convenience for handlers that receive a bare
// token string (e.g. from a client that only echoes the token field)
// and need to validate it looks well-formed before using it.
func ParseRevisionToken(token string) (FileRevision, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 3 {
		return FileRevision{}, fmt.Errorf("fileops: malformed revision token %q", token)
	}
	lenBytes, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return FileRevision{}, fmt.Errorf("fileops: malformed revision token %q", token)
	}
	modNs, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return FileRevision{}, fmt.Errorf("fileops: malformed revision token %q", token)
	}
	return FileRevision{Token: token, LenBytes: lenBytes, ModifiedUnixNs: modNs}, nil
}
