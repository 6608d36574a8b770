package example

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/xiaoxuxiansheng/redis_lock"
)

var errRedis = errors.New("redis err")

// fakeRedis 通过 gomonkey 接管 redis_lock 的读写
type fakeRedis struct {
	mu       sync.Mutex
	kv       map[string]string
	failKeys map[string]bool
	lockErr  bool
}

func patchRedis(t *testing.T) *fakeRedis {
	f := &fakeRedis{
		kv:       make(map[string]string),
		failKeys: make(map[string]bool),
	}

	patch := gomonkey.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.lockErr {
			return errors.New("lock err")
		}
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Unlock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "Get", func(_ *redis_lock.Client, ctx context.Context, key string) (string, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failKeys[key] {
			return "", errRedis
		}
		v, ok := f.kv[key]
		if !ok {
			return "", redis_lock.ErrNil
		}
		return v, nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "Set", func(_ *redis_lock.Client, ctx context.Context, key string, value string) (int64, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failKeys[key] {
			return -1, errRedis
		}
		f.kv[key] = value
		return 1, nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "SetNX", func(_ *redis_lock.Client, ctx context.Context, key string, value string) (int64, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failKeys[key] {
			return -1, errRedis
		}
		if _, ok := f.kv[key]; ok {
			return 0, nil
		}
		f.kv[key] = value
		return 1, nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "Del", func(_ *redis_lock.Client, ctx context.Context, key string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failKeys[key] {
			return errRedis
		}
		delete(f.kv, key)
		return nil
	})
	t.Cleanup(patch.Reset)
	return f
}

func (f *fakeRedis) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kv[key]
}

func (f *fakeRedis) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
}

func (f *fakeRedis) fail(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKeys[key] = true
}
