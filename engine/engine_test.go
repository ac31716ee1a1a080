package engine

import (
	"context"
	"io"
	"strings"
	"sync"

	"stagecast/blob"
)

// fakeCmder stands in for an external subprocess. Wait behavior is
// scripted per test through waitFn.
type fakeCmder struct {
	stdout  io.Writer
	started bool

	startErr error
	waitFn   func(stdout io.Writer) error
}

func (f *fakeCmder) SetStdout(pipe io.Writer) { f.stdout = pipe }
func (f *fakeCmder) SetStderr(pipe io.Writer) {}
func (f *fakeCmder) Start() error {
	f.started = true
	return f.startErr
}
func (f *fakeCmder) Wait() error {
	if f.waitFn != nil {
		return f.waitFn(f.stdout)
	}
	return nil
}

// fakePipeCmder serves data through StdoutPipe the way the thumbnail
// grab consumes a real ffmpeg's stdout.
type fakePipeCmder struct {
	data    string
	started bool

	startErr error
	waitErr  error
}

func (f *fakePipeCmder) StdoutPipe() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.data)), nil
}
func (f *fakePipeCmder) SetStderr(pipe io.Writer) {}
func (f *fakePipeCmder) Start() error {
	f.started = true
	return f.startErr
}
func (f *fakePipeCmder) Wait() error { return f.waitErr }

// fakeBlobStore keeps uploaded objects in memory.
type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string]string
	heads   map[string]*blob.ObjectInfo
	putErr  error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		objects: make(map[string]string),
		heads:   make(map[string]*blob.ObjectInfo),
	}
}

func (f *fakeBlobStore) Put(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.objects[key] = string(data)
	f.mu.Unlock()
	return f.URL(key), nil
}

func (f *fakeBlobStore) Head(_ context.Context, key string) (*blob.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.heads[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return info, nil
}

func (f *fakeBlobStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobStore) URL(key string) string {
	return "https://blob.test/" + key
}

func (f *fakeBlobStore) object(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

// fakeSink records escalated errors.
type fakeSink struct {
	mu     sync.Mutex
	errors []error
}

func (f *fakeSink) Escalate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, err)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errors)
}
