package admission

import (
	"context"

	"github.com/carelink/vaxbatch/internal/s3storage"
)

// fakeObjectStore is an in-memory ack.ObjectStore keyed by "bucket/key".
// putErr fails the next Put once, then clears.
type fakeObjectStore struct {
	objects map[string][]byte
	putErr  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, s3storage.ErrObjectNotFound
	}
	return data, nil
}

func (f *fakeObjectStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if f.putErr != nil {
		err := f.putErr
		f.putErr = nil
		return err
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjectStore) Move(ctx context.Context, bucket, srcKey, dstKey string) error {
	data, ok := f.objects[bucket+"/"+srcKey]
	if !ok {
		return s3storage.ErrObjectNotFound
	}
	f.objects[bucket+"/"+dstKey] = data
	delete(f.objects, bucket+"/"+srcKey)
	return nil
}
