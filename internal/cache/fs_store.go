package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	indexFileName = "caches.json"
	entrySuffix   = ".entry"
)

// DiskOptions 控制磁盘存储的可选行为。
type DiskOptions struct {
	// CompressCaches 中列出的缓存写入时使用 zstd 压缩正文。
	CompressCaches []string
}

// NewStore 以 basePath 为根目录构建磁盘缓存存储，整站复用一份实例。
func NewStore(basePath string, opts DiskOptions) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	codec, err := newCompressor()
	if err != nil {
		return nil, err
	}

	compress := make(map[string]struct{}, len(opts.CompressCaches))
	for _, name := range opts.CompressCaches {
		compress[name] = struct{}{}
	}

	return &fileStore{
		basePath: abs,
		codec:    codec,
		compress: compress,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 caches.json 记录缓存创建顺序，每个缓存对应 basePath 下的一个目录。
// 单个条目是一个文件：首行为 JSON 元数据，其后是正文，借助 temp + rename 原子替换。
type fileStore struct {
	basePath string
	codec    *compressor
	compress map[string]struct{}

	indexMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryHeader struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Encoding string      `json:"encoding,omitempty"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"stored_at"`
}

type indexFile struct {
	Caches []string `json:"caches"`
}

func (s *fileStore) Open(ctx context.Context, name string) (NamedCache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	names, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	if !containsName(names, name) {
		if err := s.writeIndex(append(names, name)); err != nil {
			return nil, err
		}
	}
	return &fileCache{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Get(ctx context.Context, name string) (NamedCache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}
	if !s.hasName(name) {
		return nil, fmt.Errorf("%w: %s", ErrCacheNotFound, name)
	}
	return &fileCache{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	names, err := s.readIndex()
	if err != nil {
		return false, err
	}
	return containsName(names, name), nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	return s.readIndex()
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	names, err := s.readIndex()
	if err != nil {
		return false, err
	}
	existed := containsName(names, name)
	if existed {
		remaining := make([]string, 0, len(names)-1)
		for _, n := range names {
			if n != name {
				remaining = append(remaining, n)
			}
		}
		if err := s.writeIndex(remaining); err != nil {
			return false, err
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return existed, fmt.Errorf("remove cache %s: %w", name, err)
	}
	return existed, nil
}

func (s *fileStore) hasName(name string) bool {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	names, err := s.readIndex()
	if err != nil {
		return false
	}
	return containsName(names, name)
}

func (s *fileStore) readIndex() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode cache index: %w", err)
	}
	return idx.Caches, nil
}

func (s *fileStore) writeIndex(names []string) error {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(indexFile{Caches: names})
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.basePath, indexFileName), data)
}

func (s *fileStore) cacheDir(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("cache name required")
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", fmt.Errorf("invalid cache name %q", name)
	}
	return dir, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// fileCache 是 fileStore 中单个缓存目录的视图。
type fileCache struct {
	store *fileStore
	name  string
	dir   string
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, req Request) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := matchKey(req)
	if !ok {
		return nil, ErrNotFound
	}
	filePath := c.entryPath(key)

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := readEntryHeader(reader)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", key, err)
	}
	if header.URL != key {
		return nil, ErrNotFound
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read entry body %s: %w", key, err)
	}
	body, err := c.store.codec.decompress(raw, header.Encoding)
	if err != nil {
		return nil, fmt.Errorf("decode entry body %s: %w", key, err)
	}

	return &Entry{
		Cache:     c.name,
		URL:       header.URL,
		Status:    header.Status,
		Header:    header.Header,
		Body:      body,
		SizeBytes: header.Size,
		StoredAt:  header.StoredAt,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, req Request, resp Response) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := putKey(req)
	if err != nil {
		return nil, err
	}
	if !c.store.hasName(c.name) {
		return nil, fmt.Errorf("%w: %s", ErrCacheDeleted, c.name)
	}
	filePath := c.entryPath(key)

	unlock := c.store.lockEntry(c.name + "::" + key)
	defer unlock()

	snapshot := cloneResponse(resp)
	body, encoding := snapshot.Body, encodingIdentity
	if _, ok := c.store.compress[c.name]; ok {
		body, encoding = c.store.codec.compress(snapshot.Body)
	}

	header := entryHeader{
		URL:      key,
		Status:   snapshot.Status,
		Header:   snapshot.Header,
		Encoding: encoding,
		Size:     int64(len(snapshot.Body)),
		StoredAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(encoded) + 1 + len(body))
	buf.Write(encoded)
	buf.WriteByte('\n')
	buf.Write(body)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filePath, buf.Bytes()); err != nil {
		return nil, err
	}

	return &Entry{
		Cache:     c.name,
		URL:       key,
		Status:    header.Status,
		Header:    header.Header,
		Body:      snapshot.Body,
		SizeBytes: header.Size,
		StoredAt:  header.StoredAt,
	}, nil
}

func (c *fileCache) Delete(ctx context.Context, req Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, ok := matchKey(req)
	if !ok {
		return false, nil
	}
	filePath := c.entryPath(key)

	unlock := c.store.lockEntry(c.name + "::" + key)
	defer unlock()

	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		header, err := readEntryHeader(bufio.NewReader(f))
		f.Close()
		if err != nil {
			return fmt.Errorf("read entry %s: %w", p, err)
		}
		keys = append(keys, header.URL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// entryPath 按完整键的 sha256 定位条目文件：<cache>/<前两位>/<sha256>.entry。
// 键本身保存在条目头中，目录结构不再依赖 URL 的路径形态。
func (c *fileCache) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, digest[:2], digest+entrySuffix)
}

func readEntryHeader(reader *bufio.Reader) (entryHeader, error) {
	var header entryHeader
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return header, err
	}
	if err := json.Unmarshal(line, &header); err != nil {
		return header, err
	}
	return header, nil
}

func writeFileAtomic(filePath string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
