package ack

import (
	"context"
	"fmt"

	"github.com/carelink/vaxbatch/internal/s3storage"
)

var errNotFound = s3storage.ErrObjectNotFound

// fakeStore is an in-memory ObjectStore used across the package tests.
type fakeStore struct {
	objects map[string][]byte
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

func (f *fakeStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	data, ok := f.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, errNotFound)
	}
	return data, nil
}

func (f *fakeStore) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[objectKey(bucket, key)] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) Move(_ context.Context, bucket, srcKey, dstKey string) error {
	data, ok := f.objects[objectKey(bucket, srcKey)]
	if !ok {
		return fmt.Errorf("move %s: %w", srcKey, errNotFound)
	}
	f.objects[objectKey(bucket, dstKey)] = data
	delete(f.objects, objectKey(bucket, srcKey))
	return nil
}
