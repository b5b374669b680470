package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
)

type object struct {
	info core.ObjectInfo
	body []byte
}

// Objects is an in-process blob store. Presigned URLs use the mem:// scheme.
type Objects struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time

	// FailPut makes the next Put calls fail with this error.
	FailPut error
}

func NewObjects() *Objects {
	return &Objects{objects: make(map[string]object), now: time.Now}
}

func (o *Objects) Put(_ context.Context, key string, body io.Reader, size int64, _ string, meta map[string]string) error {
	o.mu.RLock()
	fail := o.FailPut
	o.mu.RUnlock()
	if fail != nil {
		return fail
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, body)
	if err != nil {
		return err
	}
	if size >= 0 && n != size {
		return fmt.Errorf("short body: got %d bytes, want %d", n, size)
	}
	md := make(map[string]string, len(meta))
	for k, v := range meta {
		md[strings.ToLower(k)] = v
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = object{
		info: core.ObjectInfo{Key: key, Size: n, LastModified: o.now(), Metadata: md},
		body: buf.Bytes(),
	}
	return nil
}

func (o *Objects) List(_ context.Context, prefix string) ([]core.ObjectInfo, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []core.ObjectInfo
	for k, obj := range o.objects {
		if strings.HasPrefix(k, prefix) {
			info := obj.info
			info.Metadata = nil
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (o *Objects) Head(_ context.Context, key string) (core.ObjectInfo, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	obj, ok := o.objects[key]
	if !ok {
		return core.ObjectInfo{}, domain.ErrNotFound
	}
	return obj.info, nil
}

func (o *Objects) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	o.mu.RLock()
	_, ok := o.objects[key]
	o.mu.RUnlock()
	if !ok {
		return "", domain.ErrNotFound
	}
	q := url.Values{}
	q.Set("expires", fmt.Sprint(o.now().Add(ttl).Unix()))
	return "mem://" + key + "?" + q.Encode(), nil
}

// Body returns a stored object's bytes.
func (o *Objects) Body(key string) ([]byte, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	obj, ok := o.objects[key]
	return obj.body, ok
}
