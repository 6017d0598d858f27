package file

import (
	"fmt"
	"io"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"
)

//ErrBadPattern returned when a resource pattern can not be parsed
var ErrBadPattern = doublestar.ErrBadPattern

//FileStorage a place resources can be listed and read from
type FileStorage interface {
	Exists(fileName string) (bool, error)
	Open(fileName string) (io.ReadCloser, error)
	//Glob regular files matching pattern, in no particular order
	Glob(pattern string) ([]string, error)
}

type LocalFileSystem struct {
}

func (fs *LocalFileSystem) Exists(fileName string) (bool, error) {
	_, err := os.Stat(fileName)
	if err != nil && os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (fs *LocalFileSystem) Open(fileName string) (io.ReadCloser, error) {
	return os.Open(fileName)
}

func (fs *LocalFileSystem) Glob(pattern string) ([]string, error) {
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, errors.Wrapf(ErrBadPattern, "pattern:%v", pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(matches))
	for _, name := range matches {
		info, err := os.Lstat(name)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			files = append(files, name)
		}
	}
	return files, nil
}

type FTPFileSystem struct {
	Host        string
	Port        int
	User        string
	Password    string
	ConnTimeout time.Duration
}

func (fs *FTPFileSystem) connect() (*ftp.ServerConn, error) {
	c, err := ftp.DialTimeout(fmt.Sprintf("%s:%d", fs.Host, fs.Port), fs.ConnTimeout)
	if err != nil {
		return nil, err
	}
	if err = c.Login(fs.User, fs.Password); err != nil {
		c.Quit()
		return nil, err
	}
	return c, nil
}

func (fs *FTPFileSystem) Exists(fileName string) (bool, error) {
	c, err := fs.connect()
	if err != nil {
		return false, err
	}
	defer c.Quit()

	_, err = c.FileSize(fileName)
	if err == nil {
		return true, nil
	}
	if e, ok := err.(*textproto.Error); ok && e.Code == ftp.StatusFileUnavailable {
		return false, nil
	}
	return false, err
}

//ftpReader keeps the control connection alive until the transfer is read
type ftpReader struct {
	conn *ftp.ServerConn
	resp *ftp.Response
}

func (r *ftpReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpReader) Close() error {
	err := r.resp.Close()
	if e := r.conn.Quit(); err == nil {
		err = e
	}
	return err
}

func (fs *FTPFileSystem) Open(fileName string) (io.ReadCloser, error) {
	c, err := fs.connect()
	if err != nil {
		return nil, err
	}
	r, err := c.Retr(fileName)
	if err != nil {
		c.Quit()
		return nil, err
	}
	return &ftpReader{conn: c, resp: r}, nil
}

func (fs *FTPFileSystem) Glob(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, errors.Wrapf(ErrBadPattern, "pattern:%v", pattern)
	}
	base, _ := doublestar.SplitPattern(pattern)
	c, err := fs.connect()
	if err != nil {
		return nil, err
	}
	defer c.Quit()

	files := make([]string, 0)
	walker := c.Walk(base)
	for walker.Next() {
		entry := walker.Stat()
		if entry == nil || entry.Type != ftp.EntryTypeFile {
			continue
		}
		if ok, _ := doublestar.Match(pattern, walker.Path()); ok {
			files = append(files, walker.Path())
		}
	}
	if err = walker.Err(); err != nil {
		if e, ok := err.(*textproto.Error); ok && e.Code == ftp.StatusFileUnavailable {
			return files, nil
		}
		return nil, err
	}
	return files, nil
}

//Location a resource URI split into scheme, host and path
type Location struct {
	Scheme string
	Host   string
	Path   string
}

//ParseLocation splits uri, bare paths and file:// URIs are local.
//Glob characters are kept verbatim, '?' is not treated as a query.
func ParseLocation(uri string) Location {
	idx := strings.Index(uri, "://")
	if idx <= 0 {
		return Location{Scheme: "file", Path: uri}
	}
	scheme := strings.ToLower(uri[:idx])
	rest := uri[idx+3:]
	if scheme == "file" {
		return Location{Scheme: scheme, Path: rest}
	}
	host, path := rest, "/"
	if slash := strings.Index(rest, "/"); slash >= 0 {
		host, path = rest[:slash], rest[slash:]
	}
	return Location{Scheme: scheme, Host: host, Path: path}
}

//URI of a concrete path at the same place as l
func (l Location) URI(path string) string {
	if l.Scheme == "file" || l.Scheme == "" {
		return path
	}
	return l.Scheme + "://" + l.Host + path
}

func (l Location) String() string {
	return l.URI(l.Path)
}

//Registry resolves the storage of a location by scheme
type Registry struct {
	mu       sync.RWMutex
	storages map[string]FileStorage
	ftp      FTPFileSystem
}

//NewRegistry registry serving local files, and ftp:// hosts with ftpTemplate's credentials
func NewRegistry(ftpTemplate FTPFileSystem) *Registry {
	r := &Registry{storages: map[string]FileStorage{}, ftp: ftpTemplate}
	r.Register("file", &LocalFileSystem{})
	return r
}

//Register storage for all locations of scheme
func (r *Registry) Register(scheme string, storage FileStorage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storages[strings.ToLower(scheme)] = storage
}

//Storage for loc
func (r *Registry) Storage(loc Location) (FileStorage, error) {
	r.mu.RLock()
	storage, ok := r.storages[loc.Scheme]
	r.mu.RUnlock()
	if ok {
		return storage, nil
	}
	if loc.Scheme == "ftp" {
		fs := r.ftp
		host, port := loc.Host, fs.Port
		if h, p, found := strings.Cut(loc.Host, ":"); found {
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, errors.Errorf("invalid ftp port in %v", loc.Host)
			}
			host, port = h, n
		}
		if host != "" {
			fs.Host = host
		}
		if port == 0 {
			port = 21
		}
		fs.Port = port
		return &fs, nil
	}
	return nil, errors.Errorf("no file storage registered for scheme:%v", loc.Scheme)
}
