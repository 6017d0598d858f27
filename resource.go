package cloudbatch

import (
	"context"
	"io"
	"os"
	"sort"

	"github.com/chararch/cloudbatch/file"
	"github.com/pkg/errors"
)

//Resource an addressable, readable input located by URI
type Resource struct {
	URI string
	//Exists whether the resource was observed in its store when resolved
	Exists bool
}

//ResourceEnumerator resolves a pattern into the resources it matches
type ResourceEnumerator interface {
	//Enumerate matches in lexicographic order of URI; no match is an empty result, not an error
	Enumerate(ctx context.Context, pattern string) ([]Resource, BatchError)
}

//StorageResolver finds the storage serving a location
type StorageResolver interface {
	Storage(loc file.Location) (file.FileStorage, error)
}

type storageEnumerator struct {
	storages StorageResolver
}

//NewResourceEnumerator enumerator over the storages known to resolver
func NewResourceEnumerator(resolver StorageResolver) ResourceEnumerator {
	return &storageEnumerator{storages: resolver}
}

func (e *storageEnumerator) Enumerate(ctx context.Context, pattern string) ([]Resource, BatchError) {
	if pattern == "" {
		return nil, NewBatchError(ErrCodeResolution, "resource pattern must not be empty")
	}
	loc := file.ParseLocation(pattern)
	storage, err := e.storages.Storage(loc)
	if err != nil {
		return nil, NewBatchError(ErrCodeResolution, "no storage for pattern:%v", pattern, err)
	}
	matches, err := storage.Glob(loc.Path)
	if err != nil {
		if errors.Is(err, file.ErrBadPattern) {
			return nil, NewBatchError(ErrCodeResolution, "malformed resource pattern:%v", pattern, err)
		}
		return nil, NewBatchError(ErrCodeResolution, "backing store unreachable for pattern:%v", pattern, err)
	}
	uris := make([]string, 0, len(matches))
	for _, m := range matches {
		uris = append(uris, loc.URI(m))
	}
	sort.Strings(uris)
	resources := make([]Resource, 0, len(uris))
	for _, uri := range uris {
		resources = append(resources, Resource{URI: uri, Exists: true})
	}
	logger.Debug(ctx, "resource pattern resolved, pattern:%v, matches:%v", pattern, len(resources))
	return resources, nil
}

//ResourceStager copies a resource to local temporary storage
type ResourceStager interface {
	//Stage returns the local path holding a byte-identical copy of resource
	Stage(ctx context.Context, resource Resource) (string, BatchError)
}

type tempFileStager struct {
	storages StorageResolver
	dir      string
}

//NewResourceStager stager writing into dir, the system temp dir when empty
func NewResourceStager(resolver StorageResolver, dir string) ResourceStager {
	return &tempFileStager{storages: resolver, dir: dir}
}

func (s *tempFileStager) Stage(ctx context.Context, resource Resource) (string, BatchError) {
	loc := file.ParseLocation(resource.URI)
	storage, err := s.storages.Storage(loc)
	if err != nil {
		return "", NewBatchError(ErrCodeStaging, "no storage for resource:%v", resource.URI, err)
	}
	src, err := storage.Open(loc.Path)
	if err != nil {
		return "", NewBatchError(ErrCodeStaging, "can not open resource:%v", resource.URI, err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(s.dir, "input-*.csv")
	if err != nil {
		return "", NewBatchError(ErrCodeStaging, "can not create temp file for resource:%v", resource.URI, err)
	}
	localPath := dst.Name()
	_, err = io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return "", NewBatchError(ErrCodeStaging, "copy resource:%v to %v failed", resource.URI, localPath, err)
	}
	logger.Info(ctx, "resource staged, resource:%v, localFile:%v", resource.URI, localPath)
	return localPath, nil
}

//ctxReader aborts a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

//ResourceURIs URIs of resources in order
func ResourceURIs(resources []Resource) []string {
	uris := make([]string, 0, len(resources))
	for _, r := range resources {
		uris = append(uris, r.URI)
	}
	return uris
}
